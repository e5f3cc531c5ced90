// Package operation implements the Operation Store of spec.md §4.8: a
// concurrent map of long-running operations, each with a terminal
// outcome slot, a done flag, a cancellation token, and bounded
// retention.
//
// Grounded on the teacher's internal/audit/audit_trail.go ring-retention
// store (bounded-lifetime entries swept by a background goroutine),
// generalized here from an append-only audit log to a mutable
// outcome-bearing map addressed by opaque operation name.
package operation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/obsutil"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// DefaultRetention is the lifetime a terminal operation is kept before
// background expiry, absent an explicit client delete (spec.md §4.8:
// "a configurable lifetime (default one hour)").
const DefaultRetention = time.Hour

// entry pairs a types.Operation with its cancellation token and a
// record of when it went terminal, for retention sweeping.
type entry struct {
	mu         sync.Mutex
	op         types.Operation
	cancel     context.CancelFunc
	ctx        context.Context
	finishedAt time.Time // zero until Done
}

// Store is the concurrent Operation Store.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	retention time.Duration
}

// New constructs an empty Store. retention <= 0 uses DefaultRetention.
func New(retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{entries: make(map[string]*entry), retention: retention}
}

// Create starts a new running operation for method, returning its
// context (which the coordinator's worker must observe for cooperative
// cancellation per spec.md §4.5) and its public name.
func (s *Store) Create(parent context.Context, method string, metadata map[string]string) (name string, ctx context.Context) {
	id := uuid.NewString()
	name = types.OperationName(id)
	opCtx, cancel := context.WithCancel(parent)

	e := &entry{
		op: types.Operation{
			Name:       name,
			ID:         id,
			Method:     method,
			Metadata:   metadata,
			CreateTime: timeNow(),
		},
		cancel: cancel,
		ctx:    opCtx,
	}

	s.mu.Lock()
	s.entries[name] = e
	s.mu.Unlock()

	return name, opCtx
}

// Get returns the current state of name. Clients poll this; there is no
// completion notification channel (spec.md §4.8).
func (s *Store) Get(name string) (types.Operation, error) {
	e, ok := s.lookup(name)
	if !ok {
		return types.Operation{}, corerr.Newf(corerr.NotFound, "operation %q not found", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op, nil
}

// Complete records a successful terminal result.
func (s *Store) Complete(name string, result any) {
	s.finish(name, result, nil)
}

// Fail records a terminal error outcome.
func (s *Store) Fail(name string, err error) {
	s.finish(name, nil, err)
}

func (s *Store) finish(name string, result any, err error) {
	e, ok := s.lookup(name)
	if !ok {
		return
	}
	e.mu.Lock()
	if !e.op.Done {
		e.op.Done = true
		e.op.Result = result
		e.op.Err = err
		e.op.EndTime = timeNow()
	}
	e.mu.Unlock()
	e.cancel()
}

// Cancel requests cooperative cancellation of name's worker via its
// context, per spec.md §4.5's polling-cancellation-token contract. It
// does not itself mark the operation done — the worker observes ctx.Done
// at its next yield point and calls Fail with a cancelled error.
func (s *Store) Cancel(name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return corerr.Newf(corerr.NotFound, "operation %q not found", name)
	}
	e.cancel()
	return nil
}

// Delete explicitly removes a terminal operation's outcome before its
// retention lifetime elapses.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return corerr.Newf(corerr.NotFound, "operation %q not found", name)
	}
	e.mu.Lock()
	done := e.op.Done
	e.mu.Unlock()
	if !done {
		return corerr.New(corerr.FailedPrecondition, "cannot delete a running operation")
	}
	delete(s.entries, name)
	return nil
}

// List returns every operation currently tracked, ordered by name for
// deterministic pagination (spec.md §4.9's list_operations).
func (s *Store) List() []types.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Operation, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, e.op)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) lookup(name string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// EvictExpired removes terminal operations whose retention window has
// elapsed as of now, returning how many were removed.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for name, e := range s.entries {
		e.mu.Lock()
		expired := e.op.Done && now.Sub(e.op.EndTime) >= s.retention
		e.mu.Unlock()
		if expired {
			delete(s.entries, name)
			count++
		}
	}
	return count
}

// StartEvictionLoop launches a background sweep every interval until ctx
// is cancelled.
func (s *Store) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	obsutil.SafeGo(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.EvictExpired(now)
			}
		}
	})
}

// timeNow is a seam so tests that need deterministic timestamps could
// override it; production always uses the wall clock.
var timeNow = time.Now
