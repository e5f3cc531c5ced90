// Package coordinator implements the Automation Coordinator of spec.md
// §4.5: the single public entry point for automation operations, the
// only component permitted to call the OS Adapter's mutation
// primitives, and the owner of the RECEIVE -> VALIDATE -> RESOLVE-HANDLE
// -> DISPATCH-TO-WORKER -> PERFORM-OP -> READ-BACK ->
// INVALIDATE-AFFECTED-REGISTRY-ENTRIES -> BUILD-RESPONSE -> EMIT state
// machine.
//
// Grounded on the teacher's internal/server.Server (a single struct
// gathering every mutable subsystem behind one set of public methods,
// guarding concurrent access with per-resource locking rather than one
// global lock) generalized here from log-entry bookkeeping to a per-pid
// worker pool: spec.md §4.5 requires at most one in-flight mutation per
// pid, which this package implements as a lazily-created per-pid mutex
// rather than a literal thread pool, since Go goroutines make "a worker
// thread per pid" unnecessary — the invariant that matters is mutual
// exclusion, not a dedicated OS thread.
package coordinator

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/locator"
	"github.com/joeycumines/macosuse-core/internal/macro"
	"github.com/joeycumines/macosuse-core/internal/obsutil"
	"github.com/joeycumines/macosuse-core/internal/observation"
	"github.com/joeycumines/macosuse-core/internal/operation"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
	"github.com/joeycumines/macosuse-core/internal/pagination"
	"github.com/joeycumines/macosuse-core/internal/reconciler"
	"github.com/joeycumines/macosuse-core/internal/registry"
	"github.com/joeycumines/macosuse-core/internal/selector"
	"github.com/joeycumines/macosuse-core/internal/statestore"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// DefaultWaitPollInterval is the poll interval of
// wait_element/wait_element_state and open_application.
const DefaultWaitPollInterval = 100 * time.Millisecond

// Coordinator wires together every subsystem and is the only type
// cmd/automationd needs to hold a reference to.
type Coordinator struct {
	adapter  osadapter.Adapter
	store    *statestore.Store
	recon    *reconciler.Reconciler
	loc      *locator.Locator
	elements *registry.Registry[osadapter.ElementHandle]
	ops      *operation.Store
	obsMgr   *observation.Manager
	macros   *registry.Registry[types.Macro]

	completedInputBuffer int // spec.md §3 per-target circular buffer cap; <=0 disables the bound

	pidLocks sync.Map // pid (int) -> *sync.Mutex, per-pid mutation serialization (spec.md §4.5)
}

// New constructs a Coordinator over adapter. maxConcurrentTraversals
// bounds the Element Locator's concurrency; operationRetention bounds
// the Operation Store's terminal-entry lifetime (<=0 uses
// operation.DefaultRetention); completedInputBuffer caps the per-target
// circular buffer of terminal Input records (<=0 disables the bound),
// fed by config.Config.CompletedInputBuffer.
func New(adapter osadapter.Adapter, maxConcurrentTraversals int64, operationRetention time.Duration, completedInputBuffer int) *Coordinator {
	elements := registry.New[osadapter.ElementHandle]()
	loc := locator.New(adapter, elements, maxConcurrentTraversals)
	c := &Coordinator{
		adapter:              adapter,
		store:                statestore.New(),
		recon:                reconciler.New(adapter),
		loc:                  loc,
		elements:             elements,
		ops:                  operation.New(operationRetention),
		macros:               registry.New[types.Macro](),
		completedInputBuffer: completedInputBuffer,
	}
	c.obsMgr = observation.New(adapter, loc)
	return c
}

// pidLock returns the mutex serializing mutations for pid, creating it
// on first use.
func (c *Coordinator) pidLock(pid int) *sync.Mutex {
	v, _ := c.pidLocks.LoadOrStore(pid, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// withPIDMutation runs fn holding pid's mutation lock, implementing
// spec.md §4.5's "at most one in-flight mutation per pid" rule. Callers
// must run every handle-mutating OS Adapter call inside fn.
func (c *Coordinator) withPIDMutation(pid int, fn func() error) error {
	lock := c.pidLock(pid)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// --- Applications ---

// GetApplication returns the current resource for pid, read-only.
func (c *Coordinator) GetApplication(pid int) (types.Application, error) {
	snap := c.store.Snapshot()
	app, ok := snap.Applications[types.ApplicationName(pid)]
	if !ok {
		return types.Application{}, corerr.Newf(corerr.NotFound, "applications/%d not found", pid)
	}
	return app, nil
}

// RunningApplications is a direct, read-only passthrough to the OS
// Adapter's process enumeration.
func (c *Coordinator) RunningApplications(ctx context.Context) ([]osadapter.RunningApp, error) {
	apps, aerr := c.adapter.RunningApplications(ctx)
	if aerr != nil {
		return nil, osadapter.Translate(aerr, "enumerate running applications")
	}
	return apps, nil
}

// OpenApplication is a long-running operation (spec.md §4.5): the actual
// process launch is an out-of-scope external collaborator (spec.md §1)
// invoked before this call; this operation's job is to wait for bundleID
// to appear in the running-process enumeration, register it as an
// Application resource, and complete with that resource. Returns the
// operation's name immediately.
func (c *Coordinator) OpenApplication(parent context.Context, bundleID string, timeout time.Duration) string {
	name, ctx := c.ops.Create(parent, "open_application", map[string]string{"bundle_id": bundleID})
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	obsutil.SafeGo(func() {
		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(DefaultWaitPollInterval)
		defer ticker.Stop()
		for {
			apps, aerr := c.adapter.RunningApplications(ctx)
			if aerr == nil {
				for _, a := range apps {
					if a.Bundle != bundleID {
						continue
					}
					app := types.Application{
						Name:        types.ApplicationName(a.PID),
						PID:         a.PID,
						BundleID:    a.Bundle,
						DisplayName: a.Bundle,
						CreateTime:  timeNow(),
					}
					c.store.Mutate(func(s *statestore.Snapshot) *statestore.Snapshot {
						next := statestore.Clone(s)
						next.Applications[app.Name] = app
						return next
					})
					c.ops.Complete(name, app)
					return
				}
			}
			select {
			case <-ctx.Done():
				c.ops.Fail(name, ctx.Err())
				return
			default:
			}
			if time.Now().After(deadline) {
				c.ops.Fail(name, corerr.Newf(corerr.DeadlineExceeded, "bundle %q did not launch within timeout", bundleID))
				return
			}
			select {
			case <-ctx.Done():
				c.ops.Fail(name, ctx.Err())
				return
			case <-ticker.C:
			}
		}
	})
	return name
}

// --- Windows ---

// GetWindow builds the current Window response, always a fresh read
// (spec.md §4.3). Read-only: no per-pid lock required.
func (c *Coordinator) GetWindow(ctx context.Context, pid int, wid string) (types.Window, error) {
	return c.recon.BuildWindowResponse(ctx, pid, wid)
}

// FocusWindow performs PERFORM-OP -> READ-BACK for a focus mutation.
func (c *Coordinator) FocusWindow(ctx context.Context, pid int, wid string) (types.Window, error) {
	var out types.Window
	err := c.withPIDMutation(pid, func() error {
		handle, err := c.recon.FindWindowHandle(ctx, pid, wid)
		if err != nil {
			return err
		}
		if aerr := c.adapter.PerformAction(ctx, osadapter.ElementHandle(handle), "focus"); aerr != nil {
			return osadapter.Translate(aerr, "focus window")
		}
		w, err := c.recon.BuildWindowResponse(ctx, pid, wid)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// MoveResizeWindow writes new bounds then reads back the post-mutation
// Window.
func (c *Coordinator) MoveResizeWindow(ctx context.Context, pid int, wid string, bounds types.Bounds) (types.Window, error) {
	var out types.Window
	err := c.withPIDMutation(pid, func() error {
		handle, err := c.recon.FindWindowHandle(ctx, pid, wid)
		if err != nil {
			return err
		}
		rect := osadapter.Rect{X: bounds.X, Y: bounds.Y, W: bounds.W, H: bounds.H}
		if aerr := c.adapter.WriteAttribute(ctx, osadapter.ElementHandle(handle), "bounds", rect); aerr != nil {
			return osadapter.Translate(aerr, "move/resize window")
		}
		w, err := c.recon.BuildWindowResponse(ctx, pid, wid)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// CloseWindow performs the close mutation and invalidates the reconciler's
// cached handle, since the underlying accessibility handle becomes stale
// the moment the window closes (spec.md §4.5's
// INVALIDATE-AFFECTED-REGISTRY-ENTRIES step).
func (c *Coordinator) CloseWindow(ctx context.Context, pid int, wid string) error {
	return c.withPIDMutation(pid, func() error {
		handle, err := c.recon.FindWindowHandle(ctx, pid, wid)
		if err != nil {
			return err
		}
		if aerr := c.adapter.PerformAction(ctx, osadapter.ElementHandle(handle), "close"); aerr != nil {
			return osadapter.Translate(aerr, "close window")
		}
		c.recon.InvalidateWindow(pid, wid)
		return nil
	})
}

// MinimizeWindow performs PERFORM-OP -> READ-BACK for a minimize
// mutation (spec.md §6's minimize_window).
func (c *Coordinator) MinimizeWindow(ctx context.Context, pid int, wid string) (types.Window, error) {
	var out types.Window
	err := c.withPIDMutation(pid, func() error {
		handle, err := c.recon.FindWindowHandle(ctx, pid, wid)
		if err != nil {
			return err
		}
		if aerr := c.adapter.WriteAttribute(ctx, osadapter.ElementHandle(handle), "minimized", true); aerr != nil {
			return osadapter.Translate(aerr, "minimize window")
		}
		w, err := c.recon.BuildWindowResponse(ctx, pid, wid)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// RestoreWindow performs PERFORM-OP -> READ-BACK for a restore mutation
// (spec.md §6's restore_window), first checking that the window is
// actually minimized: restoring a non-minimized window is spec.md §7's
// canonical failed_precondition example.
func (c *Coordinator) RestoreWindow(ctx context.Context, pid int, wid string) (types.Window, error) {
	var out types.Window
	err := c.withPIDMutation(pid, func() error {
		handle, err := c.recon.FindWindowHandle(ctx, pid, wid)
		if err != nil {
			return err
		}
		attrs, aerr := c.adapter.ReadAttributes(ctx, osadapter.ElementHandle(handle), []string{"minimized"})
		if aerr != nil {
			return osadapter.Translate(aerr, "read window state before restore")
		}
		minimized := false
		if v, ok := attrs["minimized"]; ok && v.Present {
			minimized, _ = v.Value.(bool)
		}
		if !minimized {
			return corerr.New(corerr.FailedPrecondition, "restore_window: window is not minimized")
		}
		if aerr := c.adapter.WriteAttribute(ctx, osadapter.ElementHandle(handle), "minimized", false); aerr != nil {
			return osadapter.Translate(aerr, "restore window")
		}
		w, err := c.recon.BuildWindowResponse(ctx, pid, wid)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// GetWindowState builds the window-state singleton
// applications/{pid}/windows/{wid}/state, always a fresh accessibility
// read of every field (spec.md §3): none of it is cached across
// requests. Read-only: no per-pid lock required.
func (c *Coordinator) GetWindowState(ctx context.Context, pid int, wid string) (types.WindowState, error) {
	handle, err := c.recon.FindWindowHandle(ctx, pid, wid)
	if err != nil {
		return types.WindowState{}, err
	}
	attrs, aerr := c.adapter.ReadAttributes(ctx, osadapter.ElementHandle(handle), []string{
		"resizable", "minimizable", "closable", "modal", "floating", "hidden", "minimized", "focused", "fullscreen",
	})
	if aerr != nil {
		return types.WindowState{}, osadapter.Translate(aerr, "read window state")
	}
	boolAttr := func(name string) bool {
		if v, ok := attrs[name]; ok && v.Present {
			b, _ := v.Value.(bool)
			return b
		}
		return false
	}
	return types.WindowState{
		Name:        types.WindowStateName(pid, wid),
		Resizable:   boolAttr("resizable"),
		Minimizable: boolAttr("minimizable"),
		Closable:    boolAttr("closable"),
		Modal:       boolAttr("modal"),
		Floating:    boolAttr("floating"),
		Hidden:      boolAttr("hidden"),
		Minimized:   boolAttr("minimized"),
		Focused:     boolAttr("focused"),
		Fullscreen:  boolAttr("fullscreen"), // zero value if the platform doesn't report it
	}, nil
}

// ListWindows enumerates pid's windows from the window-server snapshot,
// then freshly builds each page entry via BuildWindowResponse, per
// spec.md §4.9's pagination contract over §4.3's fresh-read rule.
func (c *Coordinator) ListWindows(ctx context.Context, pid int, pageSize int, pageToken string) ([]types.Window, string, error) {
	entries, aerr := c.adapter.EnumerateWindows(ctx)
	if aerr != nil {
		return nil, "", osadapter.Translate(aerr, "enumerate windows")
	}
	var wids []string
	for _, e := range entries {
		if e.OwnerPID == pid {
			wids = append(wids, e.WID)
		}
	}
	sort.Strings(wids)

	page, next, err := pagination.Paginate(wids, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}
	windows := make([]types.Window, 0, len(page))
	for _, wid := range page {
		w, err := c.recon.BuildWindowResponse(ctx, pid, wid)
		if err != nil {
			return nil, "", err
		}
		windows = append(windows, w)
	}
	return windows, next, nil
}

// --- Elements ---

// LocateElements is read-only and delegates to the Element Locator.
func (c *Coordinator) LocateElements(ctx context.Context, pid int, opts locator.Options) ([]types.Element, error) {
	return c.loc.Locate(ctx, pid, opts)
}

// PerformElementAction invokes a named accessibility action on a
// previously located element, e.g. "press" for a button click.
func (c *Coordinator) PerformElementAction(ctx context.Context, pid int, elementName, action string) error {
	return c.withPIDMutation(pid, func() error {
		handle, ok := c.elements.Get(elementName)
		if !ok {
			return corerr.Newf(corerr.NotFound, "%s not found", elementName)
		}
		if aerr := c.adapter.PerformAction(ctx, handle, action); aerr != nil {
			return osadapter.Translate(aerr, "perform element action")
		}
		return nil
	})
}

// ListElements is read-only pagination over the Element Locator's
// traversal of pid, mirroring ListWindows' pagination-over-fresh-read
// shape but with no per-element re-read: LocateElements already performs
// one fresh traversal for the whole page.
func (c *Coordinator) ListElements(ctx context.Context, pid int, opts locator.Options, pageSize int, pageToken string) ([]types.Element, string, error) {
	elems, err := c.loc.Locate(ctx, pid, opts)
	if err != nil {
		return nil, "", err
	}
	return pagination.Paginate(elems, pageSize, pageToken)
}

// WriteElementValue writes a previously located element's text/value
// attribute and reads the element back, implementing spec.md §6's
// write_element_value custom mutation method.
func (c *Coordinator) WriteElementValue(ctx context.Context, pid int, elementName, value string) (types.Element, error) {
	var out types.Element
	err := c.withPIDMutation(pid, func() error {
		handle, ok := c.elements.Get(elementName)
		if !ok {
			return corerr.Newf(corerr.NotFound, "%s not found", elementName)
		}
		if aerr := c.adapter.WriteAttribute(ctx, handle, "text", value); aerr != nil {
			return osadapter.Translate(aerr, "write element value")
		}
		attrs, aerr := c.adapter.ReadAttributes(ctx, handle, []string{"role", "text", "bounds", "enabled", "focused"})
		if aerr != nil {
			return osadapter.Translate(aerr, "read back element after write")
		}
		el := types.Element{Name: elementName, PID: pid}
		if id, perr := types.ParseResourceID("elements", elementName); perr == nil {
			el.ID = id
		}
		if v, ok := attrs["role"]; ok && v.Present {
			el.Role, _ = v.Value.(string)
		}
		if v, ok := attrs["text"]; ok {
			el.HasText = v.Present
			el.Text, _ = v.Value.(string)
		}
		if v, ok := attrs["bounds"]; ok && v.Present {
			if r, ok := v.Value.(osadapter.Rect); ok {
				el.Bounds = types.Bounds{X: r.X, Y: r.Y, W: r.W, H: r.H}
				el.HasBounds = true
			}
		}
		if v, ok := attrs["enabled"]; ok && v.Present {
			el.Enabled, _ = v.Value.(bool)
		}
		if v, ok := attrs["focused"]; ok && v.Present {
			el.Focused, _ = v.Value.(bool)
		}
		out = el
		return nil
	})
	return out, err
}

// WaitElement is a long-running operation: polls the Element Locator
// until sel matches at least one element in pid, or timeout elapses.
func (c *Coordinator) WaitElement(parent context.Context, pid int, sel selector.Selector, timeout time.Duration) string {
	name, ctx := c.ops.Create(parent, "wait_element", nil)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	obsutil.SafeGo(func() {
		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(DefaultWaitPollInterval)
		defer ticker.Stop()
		for {
			elems, err := c.loc.Locate(ctx, pid, locator.Options{Selector: sel})
			if err == nil && len(elems) > 0 {
				c.ops.Complete(name, elems[0])
				return
			}
			select {
			case <-ctx.Done():
				c.ops.Fail(name, ctx.Err())
				return
			default:
			}
			if time.Now().After(deadline) {
				c.ops.Fail(name, corerr.New(corerr.DeadlineExceeded, "wait_element: no match within timeout"))
				return
			}
			select {
			case <-ctx.Done():
				c.ops.Fail(name, ctx.Err())
				return
			case <-ticker.C:
			}
		}
	})
	return name
}

// WaitElementState is a long-running operation: polls a single
// previously-located element's attribute until it equals want, or
// timeout elapses.
func (c *Coordinator) WaitElementState(parent context.Context, elementName, attr string, want any, timeout time.Duration) string {
	name, ctx := c.ops.Create(parent, "wait_element_state", map[string]string{"element": elementName, "attr": attr})
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	obsutil.SafeGo(func() {
		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(DefaultWaitPollInterval)
		defer ticker.Stop()
		for {
			if handle, ok := c.elements.Get(elementName); ok {
				attrs, aerr := c.adapter.ReadAttributes(ctx, handle, []string{attr})
				if aerr == nil {
					if v, ok := attrs[attr]; ok && v.Present && v.Value == want {
						c.ops.Complete(name, v.Value)
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				c.ops.Fail(name, ctx.Err())
				return
			default:
			}
			if time.Now().After(deadline) {
				c.ops.Fail(name, corerr.Newf(corerr.DeadlineExceeded, "wait_element_state: %s.%s did not reach %v within timeout", elementName, attr, want))
				return
			}
			select {
			case <-ctx.Done():
				c.ops.Fail(name, ctx.Err())
				return
			case <-ticker.C:
			}
		}
	})
	return name
}

// --- Input ---

// SynthesizeInput submits a synthesized event and records its lifecycle
// in the State Store's Input timeline.
func (c *Coordinator) SynthesizeInput(ctx context.Context, pid int, kind types.InputKind, event osadapter.InputEvent) (types.Input, error) {
	var out types.Input
	err := c.withPIDMutation(pid, func() error {
		id := newID()
		in := types.Input{
			Name:      types.InputName(pid, id),
			ID:        id,
			PID:       pid,
			Kind:      kind,
			State:     types.InputExecuting,
			Submitted: timeNow(),
		}
		c.putInput(in)

		if aerr := c.adapter.SynthesizeInput(ctx, event); aerr != nil {
			in.State = types.InputFailed
			in.Completed = timeNow()
			in.Error = aerr.Error()
			c.putInput(in)
			out = in
			return osadapter.Translate(aerr, "synthesize input")
		}

		in.State = types.InputCompleted
		in.Completed = timeNow()
		c.putInput(in)
		out = in
		return nil
	})
	return out, err
}

func (c *Coordinator) putInput(in types.Input) {
	c.store.PutInput(in, c.completedInputBuffer)
}

// ListInputs paginates pid's Input timeline, ordered by name for
// deterministic pages (spec.md §4.9's list_inputs).
func (c *Coordinator) ListInputs(pid int, pageSize int, pageToken string) ([]types.Input, string, error) {
	snap := c.store.Snapshot()
	var names []string
	for name, in := range snap.Inputs {
		if in.PID == pid {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	inputs := make([]types.Input, 0, len(names))
	for _, name := range names {
		inputs = append(inputs, snap.Inputs[name])
	}
	return pagination.Paginate(inputs, pageSize, pageToken)
}

// --- Observations ---

// CreateObservation is a long-running operation wrapping
// observation.Manager.StartElementTreeObservation, which is itself
// synchronous (spec.md §4.7's PENDING -> ACTIVE transition happens
// before it returns); the
// Operation Store entry exists so a caller observing a slow initial
// baseline poll still has a handle to cancel against.
func (c *Coordinator) CreateObservation(parent context.Context, pid int, sel selector.Selector, interval time.Duration) string {
	name, _ := c.ops.Create(parent, "create_observation", nil)
	// The observation's lifetime is independent of this operation's: the
	// operation completes as soon as ACTIVE is reached, which would
	// otherwise cancel the observation's polling context immediately
	// (operation.Store.finish always calls its cancel func on
	// Complete/Fail). Start it against parent, not the operation's own
	// derived context.
	obsName := c.obsMgr.StartElementTreeObservation(parent, pid, sel, interval)
	c.ops.Complete(name, obsName)
	return name
}

// Subscribe attaches to an observation's diff stream.
func (c *Coordinator) Subscribe(name string) (*observation.Subscriber, error) {
	return c.obsMgr.Subscribe(name)
}

// CancelObservation cancels an active observation.
func (c *Coordinator) CancelObservation(name string) error {
	return c.obsMgr.Cancel(name)
}

// ListObservations paginates every tracked observation, ordered by name
// (spec.md §4.9's list_observations).
func (c *Coordinator) ListObservations(pageSize int, pageToken string) ([]types.Observation, string, error) {
	return pagination.Paginate(c.obsMgr.List(), pageSize, pageToken)
}

// --- Macros ---

// CreateMacro stores steps in the macro registry (macros/{id}), per
// spec.md §3: "Stored in the registry; execution produces an
// operation."
func (c *Coordinator) CreateMacro(steps []types.MacroStep) types.Macro {
	id := uuid.NewString()
	m := types.Macro{Name: types.MacroName(id), ID: id, Steps: steps}
	c.macros.Put(m.Name, m, 0)
	return m
}

// GetMacro returns a stored macro.
func (c *Coordinator) GetMacro(name string) (types.Macro, error) {
	m, ok := c.macros.Get(name)
	if !ok {
		return types.Macro{}, corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	return m, nil
}

// ListMacros paginates the macro registry, ordered by name.
func (c *Coordinator) ListMacros(pageSize int, pageToken string) ([]types.Macro, string, error) {
	names := c.macros.Names()
	sort.Strings(names)
	macros := make([]types.Macro, 0, len(names))
	for _, n := range names {
		if m, ok := c.macros.Get(n); ok {
			macros = append(macros, m)
		}
	}
	return pagination.Paginate(macros, pageSize, pageToken)
}

// DeleteMacro removes a stored macro from the registry.
func (c *Coordinator) DeleteMacro(name string) error {
	if _, ok := c.macros.Get(name); !ok {
		return corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	c.macros.Invalidate(name)
	return nil
}

// ExecuteMacro is a long-running operation running an inline step list
// through the macro interpreter, with the Coordinator itself as the
// StepExecutor.
func (c *Coordinator) ExecuteMacro(parent context.Context, steps []types.MacroStep) string {
	return c.executeSteps(parent, steps, nil)
}

// ExecuteStoredMacro resolves a macro by name from the registry and runs
// it the same way ExecuteMacro runs an inline step list, bumping the
// macro's execution count on dispatch.
func (c *Coordinator) ExecuteStoredMacro(parent context.Context, name string) (string, error) {
	m, err := c.GetMacro(name)
	if err != nil {
		return "", err
	}
	c.macros.Update(name, func(m types.Macro) types.Macro {
		m.ExecutionCount++
		return m
	})
	return c.executeSteps(parent, m.Steps, map[string]string{"macro": name}), nil
}

func (c *Coordinator) executeSteps(parent context.Context, steps []types.MacroStep, metadata map[string]string) string {
	name, ctx := c.ops.Create(parent, "execute_macro", metadata)
	obsutil.SafeGo(func() {
		result, err := macro.Execute(ctx, steps, macroExecutor{c})
		if err != nil {
			c.ops.Fail(name, err)
			return
		}
		c.ops.Complete(name, result)
	})
	return name
}

// macroExecutor adapts Coordinator to macro.StepExecutor without
// exposing that interface on Coordinator's own method set.
type macroExecutor struct{ c *Coordinator }

func (m macroExecutor) PerformInput(ctx context.Context, pid int, kind types.InputKind, params map[string]any) error {
	event := osadapter.InputEvent{Kind: string(kind)}
	if x, ok := params["x"].(float64); ok {
		event.X = x
	}
	if y, ok := params["y"].(float64); ok {
		event.Y = y
	}
	if text, ok := params["text"].(string); ok {
		event.Text = text
	}
	if key, ok := params["key"].(string); ok {
		event.Key = key
	}
	_, err := m.c.SynthesizeInput(ctx, pid, kind, event)
	return err
}

func (m macroExecutor) CallMethod(ctx context.Context, pid int, method string, args map[string]any) (any, error) {
	switch method {
	case "get_window":
		wid, _ := args["wid"].(string)
		return m.c.GetWindow(ctx, pid, wid)
	case "focus_window":
		wid, _ := args["wid"].(string)
		return m.c.FocusWindow(ctx, pid, wid)
	case "close_window":
		wid, _ := args["wid"].(string)
		return nil, m.c.CloseWindow(ctx, pid, wid)
	case "minimize_window":
		wid, _ := args["wid"].(string)
		return m.c.MinimizeWindow(ctx, pid, wid)
	case "restore_window":
		wid, _ := args["wid"].(string)
		return m.c.RestoreWindow(ctx, pid, wid)
	case "get_window_state":
		wid, _ := args["wid"].(string)
		return m.c.GetWindowState(ctx, pid, wid)
	case "locate_elements":
		return m.c.LocateElements(ctx, pid, locator.Options{})
	case "press_element":
		elementName, _ := args["element"].(string)
		return nil, m.c.PerformElementAction(ctx, pid, elementName, "press")
	case "write_element_value":
		elementName, _ := args["element"].(string)
		value, _ := args["value"].(string)
		return m.c.WriteElementValue(ctx, pid, elementName, value)
	default:
		return nil, corerr.Newf(corerr.InvalidArgument, "unknown macro method %q", method)
	}
}

// --- Operations ---

func (c *Coordinator) GetOperation(name string) (types.Operation, error) { return c.ops.Get(name) }
func (c *Coordinator) CancelOperation(name string) error                 { return c.ops.Cancel(name) }
func (c *Coordinator) DeleteOperation(name string) error                 { return c.ops.Delete(name) }

// ListOperations paginates every tracked operation, ordered by name
// (spec.md §4.9's list_operations).
func (c *Coordinator) ListOperations(pageSize int, pageToken string) ([]types.Operation, string, error) {
	return pagination.Paginate(c.ops.List(), pageSize, pageToken)
}

// --- Sessions ---

// CreateSession opens a new session transaction with the given isolation
// level over a copy-on-write overlay of the current state (spec.md §3).
// A session never owns OS state directly; it is purely a logical
// transaction over the resource view the Coordinator otherwise exposes.
func (c *Coordinator) CreateSession(isolation types.IsolationLevel) types.Session {
	id := uuid.NewString()
	sess := types.Session{Name: types.SessionName(id), ID: id, Isolation: isolation}
	c.store.BeginSession(sess)
	return sess
}

// GetSession returns the current resource for a session.
func (c *Coordinator) GetSession(name string) (types.Session, error) {
	snap := c.store.Snapshot()
	sess, ok := snap.Sessions[name]
	if !ok {
		return types.Session{}, corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	return sess, nil
}

// ListSessions paginates every open session, ordered by name.
func (c *Coordinator) ListSessions(pageSize int, pageToken string) ([]types.Session, string, error) {
	snap := c.store.Snapshot()
	names := make([]string, 0, len(snap.Sessions))
	for n := range snap.Sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	sessions := make([]types.Session, 0, len(names))
	for _, n := range names {
		sessions = append(sessions, snap.Sessions[n])
	}
	return pagination.Paginate(sessions, pageSize, pageToken)
}

// CommitSession folds a session's working view forward into the main
// State Store and ends the transaction.
func (c *Coordinator) CommitSession(name string) error {
	return c.store.CommitSession(name)
}

// RollbackSession resets a session's working view to a prior revision id
// (spec.md §3's revision-id rollback), discarding every later revision.
func (c *Coordinator) RollbackSession(name string, revisionID uint64) error {
	return c.store.RollbackSession(name, revisionID)
}

// EndSession discards a session and its overlay without committing.
func (c *Coordinator) EndSession(name string) error {
	return c.store.EndSession(name)
}

// --- Displays ---

// ListDisplays enumerates attached displays, the coordinate-system
// authority spec.md §6 references for interpreting Bounds.
func (c *Coordinator) ListDisplays(ctx context.Context, pageSize int, pageToken string) ([]types.Display, string, error) {
	infos, aerr := c.adapter.EnumerateDisplays(ctx)
	if aerr != nil {
		return nil, "", osadapter.Translate(aerr, "enumerate displays")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	displays := make([]types.Display, 0, len(infos))
	for _, info := range infos {
		displays = append(displays, displayFromInfo(info))
	}
	return pagination.Paginate(displays, pageSize, pageToken)
}

// GetDisplay returns a single display by id.
func (c *Coordinator) GetDisplay(ctx context.Context, id string) (types.Display, error) {
	infos, aerr := c.adapter.EnumerateDisplays(ctx)
	if aerr != nil {
		return types.Display{}, osadapter.Translate(aerr, "enumerate displays")
	}
	for _, info := range infos {
		if info.ID == id {
			return displayFromInfo(info), nil
		}
	}
	return types.Display{}, corerr.Newf(corerr.NotFound, "%s not found", types.DisplayName(id))
}

func displayFromInfo(info osadapter.DisplayInfo) types.Display {
	return types.Display{
		Name:         types.DisplayName(info.ID),
		ID:           info.ID,
		Frame:        types.Bounds{X: info.Frame.X, Y: info.Frame.Y, W: info.Frame.W, H: info.Frame.H},
		VisibleFrame: types.Bounds{X: info.VisibleFrame.X, Y: info.VisibleFrame.Y, W: info.VisibleFrame.W, H: info.VisibleFrame.H},
		Main:         info.Main,
		ScaleFactor:  info.ScaleFactor,
	}
}

// StartBackgroundSweeps launches the Operation Store's eviction loop and
// the Window Reconciler's periodic snapshot refresh (spec.md §4.3: RPCs
// never trigger a refresh synchronously, so something has to poll it).
// The two loops are supervised together by an errgroup.Group so that an
// unexpected exit from either is observable as a single group error,
// rather than each loop failing silently and independently; callers that
// want to detect that should read the returned channel, but may also
// ignore it, since neither loop exits under normal operation.
// Callers typically invoke this once at startup.
func (c *Coordinator) StartBackgroundSweeps(ctx context.Context, interval time.Duration) <-chan error {
	c.ops.StartEvictionLoop(ctx, interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := c.recon.RefreshSnapshot(gctx); err != nil {
					return err
				}
			}
		}
	})

	done := make(chan error, 1)
	obsutil.SafeGo(func() {
		done <- g.Wait()
	})
	return done
}

var timeNow = time.Now

var idCounter uint64
var idMu sync.Mutex

// newID mints a locally-unique suffix for Input names. Unlike
// operation/observation/element IDs (minted via google/uuid at their own
// package boundary), inputs are created inline here at a high rate
// during input-heavy macros, so a cheap monotonic counter avoids paying
// UUID generation cost on every synthesized keystroke.
func newID() string {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return strconv.FormatUint(idCounter, 10)
}
