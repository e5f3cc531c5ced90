// Command automationd is the example binary wiring the Automation
// Coordinator to a concrete, if minimal, transport: a websocket endpoint
// that streams observation diff events, and an fsnotify watch over a
// macro directory for reload notifications. The RPC transport framing
// and tool-catalog layer spec.md §1 keeps external are not implemented
// here; this exists so the core has something a process can actually
// run, the way the teacher ships cmd/gasoline-cmd alongside its library
// packages.
//
// This binary always runs against osadapter.NewFake(): a real macOS
// accessibility/window-server binding is the external collaborator
// spec.md §1 describes, and is out of this module's scope.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/joeycumines/macosuse-core/internal/config"
	"github.com/joeycumines/macosuse-core/internal/coordinator"
	"github.com/joeycumines/macosuse-core/internal/corelog"
	"github.com/joeycumines/macosuse-core/internal/obsutil"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
)

// maxConcurrentTraversals bounds the Element Locator's weighted
// semaphore (internal/locator). Not exposed as a config field since
// spec.md §6 doesn't name it among the recognized environment inputs.
const maxConcurrentTraversals = 8

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenAddress string
		port          int
		macroDir      string
	)

	cmd := &cobra.Command{
		Use:   "automationd",
		Short: "Runs the macOS Automation Coordinator against an in-memory fake adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-address") {
				cfg.ListenAddress = listenAddress
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return run(cmd.Context(), cfg, macroDir)
		},
	}

	d := config.Defaults()
	cmd.Flags().StringVar(&listenAddress, "listen-address", d.ListenAddress, "address the websocket transport binds to")
	cmd.Flags().IntVar(&port, "port", d.Port, "port the websocket transport listens on")
	cmd.Flags().StringVar(&macroDir, "macro-dir", "", "optional directory of macro definitions to watch for changes")

	return cmd
}

func run(ctx context.Context, cfg config.Config, macroDir string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := osadapter.NewFake()
	c := coordinator.New(adapter, maxConcurrentTraversals, cfg.OperationRetention, cfg.CompletedInputBuffer)
	c.StartBackgroundSweeps(ctx, cfg.WindowSnapshotTTL)

	if macroDir != "" {
		if err := watchMacroDir(ctx, macroDir); err != nil {
			return fmt.Errorf("watch macro dir: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/observations", newObservationStreamHandler(c))

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	obsutil.SafeGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	corelog.Std().WithField(corelog.FieldOp, "listen").Infof("automationd listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// watchMacroDir logs a structured event whenever a macro definition file
// under dir changes, so an operator can see reloads happening; actually
// hot-reloading running macro executions is out of scope, since
// execute_macro operations run to completion against the step list they
// were given (spec.md's long-running-operation contract makes no
// provision for mutating an in-flight operation's inputs).
func watchMacroDir(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	obsutil.SafeGo(func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				corelog.Std().WithField(corelog.FieldResource, ev.Name).Infof("macro definition changed: %s", ev.Op)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				corelog.Std().WithError(err).Error("macro directory watch error")
			}
		}
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newObservationStreamHandler implements a minimal demonstration of
// spec.md §6's server-streaming methods (watch_accessibility,
// stream_observations): a client opens a websocket, supplies a pid via
// query string, and receives one JSON-encoded DiffEvent per websocket
// message for that process's accessibility tree until it disconnects or
// cancels.
func newObservationStreamHandler(c *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pidStr := r.URL.Query().Get("pid")
		var pid int
		if _, err := fmt.Sscanf(pidStr, "%d", &pid); err != nil {
			http.Error(w, "missing or invalid pid query parameter", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			corelog.Std().WithError(err).Error("websocket upgrade failed")
			return
		}
		defer conn.Close()

		ctx := r.Context()
		opName := c.CreateObservation(ctx, pid, nil, 0)
		var obsName string
		for {
			if ctx.Err() != nil {
				return
			}
			op, err := c.GetOperation(opName)
			if err != nil {
				return
			}
			if op.Done {
				if op.Err != nil {
					corelog.Std().WithError(op.Err).Error("create_observation failed")
					return
				}
				obsName, _ = op.Result.(string)
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		defer c.CancelObservation(obsName)

		sub, err := c.Subscribe(obsName)
		if err != nil {
			corelog.Std().WithError(err).Error("subscribe to observation failed")
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}
}
