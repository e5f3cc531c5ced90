// Package statestore implements the State Store of spec.md §4.4: a
// process-wide, copy-on-write view of application, input, operation,
// observation, and session resources. Writers are serialized; readers
// take a cheap immutable snapshot that never blocks a writer and is
// never blocked by one.
//
// Grounded on the teacher's copy-on-write session snapshot discipline
// (internal/session.SessionManager stores *NamedSnapshot values behind a
// mutex and hands callers a pointer to an immutable struct) generalized
// from "named browser snapshots" to "the whole process's resource
// state" and from a single RWMutex to the explicit snapshot/mutate split
// spec.md §4.4 names.
package statestore

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// Snapshot is an immutable, cheaply-shared view of process state.
// Fields are maps that are never mutated in place after construction —
// a new Snapshot always replaces its maps wholesale, so a Snapshot
// handed to a reader remains internally consistent for the reader's
// entire use of it, even while writers continue to mutate the Store.
type Snapshot struct {
	Applications map[string]types.Application // keyed by Application.Name
	Inputs       map[string]types.Input        // keyed by Input.Name
	Operations   map[string]types.Operation    // keyed by Operation.Name
	Observations map[string]types.Observation  // keyed by Observation.Name
	Sessions     map[string]types.Session      // keyed by Session.Name

	// InputOrder tracks, per target pid, the insertion order of terminal
	// (completed/failed) Input names — the per-target circular buffer of
	// spec.md §3. Pending/executing inputs are not tracked here; only a
	// terminal transition appends to the buffer.
	InputOrder map[int][]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Applications: map[string]types.Application{},
		Inputs:       map[string]types.Input{},
		Operations:   map[string]types.Operation{},
		Observations: map[string]types.Observation{},
		Sessions:     map[string]types.Session{},
		InputOrder:   map[int][]string{},
	}
}

// clone returns a shallow copy of s with fresh top-level maps, so a
// mutate() callback can add/remove/replace entries without the caller's
// already-published Snapshot ever changing underneath it.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Applications: make(map[string]types.Application, len(s.Applications)),
		Inputs:       make(map[string]types.Input, len(s.Inputs)),
		Operations:   make(map[string]types.Operation, len(s.Operations)),
		Observations: make(map[string]types.Observation, len(s.Observations)),
		Sessions:     make(map[string]types.Session, len(s.Sessions)),
		InputOrder:   make(map[int][]string, len(s.InputOrder)),
	}
	for k, v := range s.Applications {
		c.Applications[k] = v
	}
	for k, v := range s.Inputs {
		c.Inputs[k] = v
	}
	for k, v := range s.Operations {
		c.Operations[k] = v
	}
	for k, v := range s.Observations {
		c.Observations[k] = v
	}
	for k, v := range s.Sessions {
		c.Sessions[k] = v
	}
	for k, v := range s.InputOrder {
		c.InputOrder[k] = v
	}
	return c
}

// consistent reports the invariant spec.md §4.4 requires: the set of
// inputs listed under an application is exactly the set of inputs whose
// name prefix is that application's name. Desktop-scoped inputs
// (desktopInputs/{id}) are exempt — they have no owning application.
func (s *Snapshot) consistent() bool {
	for name, in := range s.Inputs {
		if in.PID == 0 {
			continue // desktopInputs/{id}
		}
		appName := types.ApplicationName(in.PID)
		if _, ok := s.Applications[appName]; !ok {
			return false
		}
		if !strings.HasPrefix(name, appName+"/") {
			return false
		}
	}
	return true
}

// Store is the process-wide copy-on-write state container.
type Store struct {
	mu      sync.Mutex // serializes writers only; readers never take it
	current atomic.Pointer[Snapshot]

	overlays sync.Map // Session.Name (string) -> *sessionOverlay
}

// New constructs an empty Store.
func New() *Store {
	s := &Store{}
	s.current.Store(emptySnapshot())
	return s
}

// Snapshot returns the current immutable view. Lock-free: readers never
// block on a concurrent Mutate, and never observe a torn state.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Mutate serializes f against all other writers, then atomically
// publishes f's returned Snapshot as the new current view. f must not
// retain or mutate the Snapshot it is handed — it should clone-on-write
// via the Clone helper and return the modified clone.
func (s *Store) Mutate(f func(*Snapshot) *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := f(s.current.Load())
	s.current.Store(next)
}

// Clone is the copy-on-write helper mutate callbacks use: it returns a
// shallow copy of cur with fresh maps, safe to edit and return from a
// Mutate callback.
func Clone(cur *Snapshot) *Snapshot { return cur.clone() }

// PutInput upserts in into the snapshot's Input timeline. When in has
// reached a terminal state, it also enforces the per-target circular
// buffer of spec.md §3 ("per-target circular buffer of configurable
// size, default 100"): once more than maxCompleted terminal inputs are
// retained for in.PID, the oldest is evicted from both the timeline and
// the buffer. maxCompleted <= 0 disables the bound (unlimited retention).
func (s *Store) PutInput(in types.Input, maxCompleted int) {
	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		next.Inputs[in.Name] = in
		if maxCompleted > 0 && (in.State == types.InputCompleted || in.State == types.InputFailed) {
			order := append(append([]string(nil), next.InputOrder[in.PID]...), in.Name)
			for len(order) > maxCompleted {
				oldest := order[0]
				order = order[1:]
				delete(next.Inputs, oldest)
			}
			next.InputOrder[in.PID] = order
		}
		return next
	})
}

// sessionOverlay is the copy-on-write overlay backing one Session's
// transaction (spec.md §3): a session works against its own Snapshot,
// isolated from the Store's published view and from every other
// session, until committed or rolled back. revision 0 is the overlay's
// seed, taken from the Store at BeginSession time.
type sessionOverlay struct {
	mu       sync.Mutex
	working  *Snapshot
	history  map[uint64]*Snapshot
	revision uint64
}

// BeginSession opens sess's transaction over an overlay seeded from the
// Store's current snapshot, and records sess itself as a resource.
func (s *Store) BeginSession(sess types.Session) {
	seed := Clone(s.Snapshot())
	ov := &sessionOverlay{working: seed, history: map[uint64]*Snapshot{0: seed}}
	s.overlays.Store(sess.Name, ov)
	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		next.Sessions[sess.Name] = sess
		return next
	})
}

func (s *Store) sessionOverlay(name string) (*sessionOverlay, bool) {
	v, ok := s.overlays.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*sessionOverlay), true
}

// SessionSnapshot returns a session's current isolated working view.
func (s *Store) SessionSnapshot(name string) (*Snapshot, error) {
	ov, ok := s.sessionOverlay(name)
	if !ok {
		return nil, corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	ov.mu.Lock()
	defer ov.mu.Unlock()
	return ov.working, nil
}

// SessionMutate applies f against name's working snapshot, advancing its
// revision id and retaining the prior state for rollback. Returns the
// new revision id.
func (s *Store) SessionMutate(name string, f func(*Snapshot) *Snapshot) (uint64, error) {
	ov, ok := s.sessionOverlay(name)
	if !ok {
		return 0, corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	ov.mu.Lock()
	defer ov.mu.Unlock()
	ov.working = f(ov.working)
	ov.revision++
	ov.history[ov.revision] = ov.working
	return ov.revision, nil
}

// RollbackSession resets name's working snapshot to the state as of
// revisionID and discards every later revision (spec.md §3's
// revision-id rollback).
func (s *Store) RollbackSession(name string, revisionID uint64) error {
	ov, ok := s.sessionOverlay(name)
	if !ok {
		return corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	ov.mu.Lock()
	defer ov.mu.Unlock()
	snap, ok := ov.history[revisionID]
	if !ok {
		return corerr.Newf(corerr.InvalidArgument, "session %s has no revision %d", name, revisionID)
	}
	ov.working = snap
	ov.revision = revisionID
	for rev := range ov.history {
		if rev > revisionID {
			delete(ov.history, rev)
		}
	}
	return nil
}

// CommitSession folds a session's working Application/Input view forward
// into the Store's published snapshot and discards the overlay. A
// session never owns OS state directly (spec.md §3), so commit performs
// no OS Adapter calls of its own — it only merges the logical resource
// view the session accumulated.
func (s *Store) CommitSession(name string) error {
	ov, ok := s.sessionOverlay(name)
	if !ok {
		return corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	ov.mu.Lock()
	working := ov.working
	ov.mu.Unlock()

	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		for k, v := range working.Applications {
			next.Applications[k] = v
		}
		for k, v := range working.Inputs {
			next.Inputs[k] = v
		}
		delete(next.Sessions, name)
		return next
	})
	s.overlays.Delete(name)
	return nil
}

// EndSession discards a session and its overlay without committing.
func (s *Store) EndSession(name string) error {
	if _, ok := s.sessionOverlay(name); !ok {
		return corerr.Newf(corerr.NotFound, "%s not found", name)
	}
	s.overlays.Delete(name)
	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		delete(next.Sessions, name)
		return next
	})
	return nil
}

// Consistent reports whether snap satisfies the State Store's
// internal-consistency invariant (spec.md §4.4). Exported for tests.
func Consistent(snap *Snapshot) bool { return snap.consistent() }
