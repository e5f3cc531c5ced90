// Package registry implements the Resource Registries of spec.md §4.2:
// a concurrent map from opaque name to entry, with per-key-serialized
// writes, lock-free reads, TTL expiry, and background eviction.
//
// Invariants enforced here rather than left to callers: (1) a value
// stored in a registry is never synthesized from indirect data — callers
// only ever Put what the OS Adapter actually handed them; (2) Invalidate
// is idempotent and safe to call from any goroutine.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/macosuse-core/internal/obsutil"
)

// entry wraps a stored value with its metadata and a per-key mutex so
// writes to one name never block writes (or reads) of another.
type entry[V any] struct {
	mu         sync.Mutex
	value      V
	createdAt  time.Time
	lastAccess atomic.Int64 // unix nanoseconds
	ttl        time.Duration
}

func (e *entry[V]) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

func (e *entry[V]) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	last := time.Unix(0, e.lastAccess.Load())
	return now.Sub(last) >= e.ttl
}

// Registry is a generic, TTL-aware, opaque-name keyed resource store.
// Reads (Get) never block on other readers or on writers of other keys;
// each key's writes (Put/Invalidate) are serialized through that key's
// own mutex.
type Registry[V any] struct {
	m sync.Map // string -> *entry[V]
}

// New constructs an empty Registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{}
}

// Put stores value under name with the given ttl (0 means no expiry).
// Overwrites any existing entry for name, serialized against concurrent
// Put/Invalidate of the same name.
func (r *Registry[V]) Put(name string, value V, ttl time.Duration) {
	now := time.Now()
	e := &entry[V]{value: value, createdAt: now, ttl: ttl}
	e.touch(now)
	actual, loaded := r.m.LoadOrStore(name, e)
	if loaded {
		existing := actual.(*entry[V])
		existing.mu.Lock()
		existing.value = value
		existing.ttl = ttl
		existing.touch(now)
		existing.mu.Unlock()
	}
}

// Get returns the value stored under name and whether it is present and
// unexpired. A successful Get refreshes the entry's last-access time,
// which the TTL clock measures from (spec.md §4.2: "30 seconds from last
// access").
func (r *Registry[V]) Get(name string) (V, bool) {
	var zero V
	v, ok := r.m.Load(name)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	now := time.Now()
	if e.expired(now) {
		r.m.CompareAndDelete(name, v)
		return zero, false
	}
	e.touch(now)
	return e.value, true
}

// Peek returns the value without refreshing its last-access time. Used
// by refresh logic that must not extend a TTL merely by inspecting it.
func (r *Registry[V]) Peek(name string) (V, bool) {
	var zero V
	v, ok := r.m.Load(name)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	if e.expired(time.Now()) {
		return zero, false
	}
	return e.value, true
}

// Invalidate removes name. Idempotent: invalidating an absent or
// already-removed name is a no-op, safe from any goroutine.
func (r *Registry[V]) Invalidate(name string) {
	r.m.Delete(name)
}

// Update atomically mutates the value stored under name via fn,
// serialized against other writers of the same name. Returns false if
// name is absent or expired.
func (r *Registry[V]) Update(name string, fn func(V) V) bool {
	v, ok := r.m.Load(name)
	if !ok {
		return false
	}
	e := v.(*entry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if e.expired(now) {
		return false
	}
	e.value = fn(e.value)
	e.touch(now)
	return true
}

// ScanExpired returns the names of every entry that is expired as of
// now, without removing them — used by tests and by the eviction loop's
// pre-sweep accounting.
func (r *Registry[V]) ScanExpired(now time.Time) []string {
	var names []string
	r.m.Range(func(key, value any) bool {
		e := value.(*entry[V])
		if e.expired(now) {
			names = append(names, key.(string))
		}
		return true
	})
	return names
}

// EvictExpired invalidates every expired entry as of now and returns how
// many were removed.
func (r *Registry[V]) EvictExpired(now time.Time) int {
	count := 0
	for _, name := range r.ScanExpired(now) {
		r.m.Delete(name)
		count++
	}
	return count
}

// InvalidateWhere removes every entry whose value satisfies pred — used
// e.g. to evict all of a terminated application's elements immediately
// (spec.md §4.2: "When a tracked application terminates, all its
// elements are evicted immediately").
func (r *Registry[V]) InvalidateWhere(pred func(V) bool) int {
	count := 0
	r.m.Range(func(key, value any) bool {
		e := value.(*entry[V])
		e.mu.Lock()
		match := pred(e.value)
		e.mu.Unlock()
		if match {
			r.m.Delete(key)
			count++
		}
		return true
	})
	return count
}

// Len reports the number of entries currently stored, including any not
// yet swept past their TTL.
func (r *Registry[V]) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Names returns every stored name in unspecified order.
func (r *Registry[V]) Names() []string {
	var names []string
	r.m.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}

// StartEvictionLoop launches a background sweep every interval that
// evicts expired entries, until ctx is cancelled. It is safe to call at
// most once per Registry; cancelling ctx is the only way to stop it.
func (r *Registry[V]) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	obsutil.SafeGo(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.EvictExpired(now)
			}
		}
	})
}
