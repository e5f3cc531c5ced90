// Package observation implements the Observation Manager of spec.md
// §4.7: long-lived subscriptions to UI-change events, fanned out to
// multiple concurrent streaming consumers with backpressure.
//
// Grounded on the teacher's internal/streaming fan-out broadcaster (one
// owning goroutine per stream, subscriber channels with a drop policy
// for slow consumers) generalized here from network-frame streaming to
// accessibility-tree diffing, and on internal/hook's notification
// poll-or-subscribe duality.
package observation

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/locator"
	"github.com/joeycumines/macosuse-core/internal/obsutil"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
	"github.com/joeycumines/macosuse-core/internal/selector"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// subscriberCapacity is the fixed per-subscriber buffer size of
// spec.md §4.7.
const subscriberCapacity = 100

// fuzzyBoundsTolerance is the "within tolerance" slop the fuzzy-match
// pass allows when comparing bounds instead of text (spec.md §4.7).
const fuzzyBoundsTolerance = 4.0

// DefaultPollInterval is used when a caller does not specify one.
const DefaultPollInterval = 500 * time.Millisecond

// Subscriber is one consumer's view of an observation's event stream.
// Each Subscriber owns an independent monotonically increasing sequence
// counter and a capacity-100 drop-oldest buffered channel, so a slow
// subscriber never blocks the publisher or any other subscriber.
type Subscriber struct {
	ch     chan types.DiffEvent
	seq    uint64
	closed bool
}

// Events returns the channel to range/select over. It is closed when the
// observation transitions to CANCELLED or ENDED.
func (s *Subscriber) Events() <-chan types.DiffEvent { return s.ch }

// task owns exactly one active observation and the one goroutine
// permitted to publish to its subscribers (spec.md §4.7: "each active
// observation owns exactly one task"). That goroutine holds mu from
// reading the subscriber set until its last enqueue of a poll, and the
// cancel path takes the subscriber set under the same mu, so a publish
// either completes before cancellation or sees no subscribers at all; it
// never sends on a channel the cancel path has closed.
type task struct {
	mu          sync.Mutex
	obs         types.Observation
	subscribers map[*Subscriber]struct{}
	lastElems   []types.Element
	cancel      context.CancelFunc
}

// Manager owns the set of active observation tasks.
type Manager struct {
	adapter osadapter.Adapter
	locator *locator.Locator

	mu    sync.Mutex
	tasks map[string]*task
}

// New constructs a Manager.
func New(adapter osadapter.Adapter, loc *locator.Locator) *Manager {
	return &Manager{
		adapter: adapter,
		locator: loc,
		tasks:   make(map[string]*task),
	}
}

// StartElementTreeObservation creates and activates an element_tree
// observation over pid, polling at interval and applying sel to restrict
// which elements participate in diffing. Returns the observation's name
// immediately; PENDING -> ACTIVE happens synchronously before return,
// per spec.md §4.7.
func (m *Manager) StartElementTreeObservation(ctx context.Context, pid int, sel selector.Selector, interval time.Duration) string {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	id := uuid.NewString()
	name := types.ObservationName(id)

	filterStr := ""
	if sel != nil {
		filterStr = selector.String(sel)
	}

	obsCtx, cancel := context.WithCancel(ctx)
	t := &task{
		obs: types.Observation{
			Name:         name,
			ID:           id,
			Type:         types.ObserveElementTree,
			Filter:       types.ObservationFilter{PID: pid, Selector: filterStr, VisibleOnly: true},
			PollInterval: interval,
			State:        types.ObservationActive,
		},
		subscribers: make(map[*Subscriber]struct{}),
		cancel:      cancel,
	}

	m.mu.Lock()
	m.tasks[name] = t
	m.mu.Unlock()

	obsutil.SafeGo(func() {
		m.runElementTreeLoop(obsCtx, t, pid, sel, interval)
	})

	return name
}

// Get returns the current observation resource.
func (m *Manager) Get(name string) (types.Observation, error) {
	t, ok := m.lookup(name)
	if !ok {
		return types.Observation{}, corerr.Newf(corerr.NotFound, "observation %q not found", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.obs, nil
}

// Subscribe attaches a new Subscriber to an active observation's event
// stream.
func (m *Manager) Subscribe(name string) (*Subscriber, error) {
	t, ok := m.lookup(name)
	if !ok {
		return nil, corerr.Newf(corerr.NotFound, "observation %q not found", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.obs.State != types.ObservationActive {
		return nil, corerr.Newf(corerr.FailedPrecondition, "observation %q is not active", name)
	}
	sub := &Subscriber{ch: make(chan types.DiffEvent, subscriberCapacity)}
	t.subscribers[sub] = struct{}{}
	return sub, nil
}

// List returns every observation currently tracked, ordered by name for
// deterministic pagination (spec.md §4.9's list_observations).
func (m *Manager) List() []types.Observation {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	out := make([]types.Observation, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, t.obs)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cancel transitions an observation ACTIVE -> CANCELLED, cooperatively
// stopping its task and closing every subscriber's channel.
func (m *Manager) Cancel(name string) error {
	t, ok := m.lookup(name)
	if !ok {
		return corerr.Newf(corerr.NotFound, "observation %q not found", name)
	}
	m.finish(t, types.ObservationCancelled)
	return nil
}

// InvalidateForProcess cancels every active observation scoped to pid,
// per spec.md §4.7's "process termination of the target" trigger.
func (m *Manager) InvalidateForProcess(pid int) {
	m.mu.Lock()
	var targets []*task
	for _, t := range m.tasks {
		t.mu.Lock()
		if t.obs.Filter.PID == pid && t.obs.State == types.ObservationActive {
			targets = append(targets, t)
		}
		t.mu.Unlock()
	}
	m.mu.Unlock()
	for _, t := range targets {
		m.finish(t, types.ObservationCancelled)
	}
}

// end transitions ACTIVE -> ENDED: the observation's natural terminator
// fired (e.g. the awaited element appeared). Unexported: only this
// package's own polling loops decide when an observation has naturally
// ended.
func (m *Manager) end(t *task) {
	m.finish(t, types.ObservationEnded)
}

// finish performs the three-step cleanup spec.md §4.7 requires:
// (a) remove from the task registry under m.mu, (b) take ownership of
// the subscriber set under t.mu, (c) finish each continuation exactly
// once. Because the publisher holds t.mu for a whole publish, it has
// either finished before (b) or finds an empty subscriber set after it
// (see the task doc comment).
func (m *Manager) finish(t *task, terminal types.ObservationState) {
	m.mu.Lock()
	delete(m.tasks, t.obs.Name)
	m.mu.Unlock()

	t.mu.Lock()
	if t.obs.State != types.ObservationActive {
		t.mu.Unlock()
		return
	}
	t.obs.State = terminal
	subs := t.subscribers
	t.subscribers = nil
	t.mu.Unlock()

	t.cancel()
	for sub := range subs {
		closeSubscriber(sub)
	}
}

func closeSubscriber(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

func (m *Manager) lookup(name string) (*task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	return t, ok
}

// runElementTreeLoop is the one goroutine a element_tree observation
// owns. It polls (the Fake/real OS Adapter in this module never
// supports push notifications for element trees, so this is always the
// polling branch of the poll-or-subscribe duality spec.md §4.7
// describes) and publishes diff events until cancelled.
func (m *Manager) runElementTreeLoop(ctx context.Context, t *task, pid int, sel selector.Selector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elems, err := m.locator.Locate(ctx, pid, locator.Options{Selector: sel})
			if err != nil {
				continue // a transient locate failure does not end the observation
			}
			t.mu.Lock()
			prev := t.lastElems
			t.lastElems = elems
			subs := make([]*Subscriber, 0, len(t.subscribers))
			for sub := range t.subscribers {
				subs = append(subs, sub)
			}

			events := DiffElements(prev, elems)
			for i := range events {
				publishToAll(subs, &events[i])
			}
			t.mu.Unlock()
		}
	}
}

// publishToAll stamps ev with each subscriber's own next sequence
// number and enqueues it with drop-oldest backpressure.
func publishToAll(subs []*Subscriber, ev *types.DiffEvent) {
	for _, sub := range subs {
		sub.seq++
		e := *ev
		e.Sequence = sub.seq
		sendDropOldest(sub.ch, e)
	}
}

// sendDropOldest enqueues ev, discarding the single oldest buffered
// event first if the channel is full, so a slow subscriber never blocks
// the publisher (spec.md §4.7: buffering policy "drop oldest").
func sendDropOldest(ch chan types.DiffEvent, ev types.DiffEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// DiffElements computes the symmetric difference between prev and curr
// per spec.md §4.7's two-pass algorithm: identity-match by
// (role, path, text), then fuzzy-match by (role, text-or-bounds).
func DiffElements(prev, curr []types.Element) []types.DiffEvent {
	matchedPrev := make([]bool, len(prev))
	matchedCurr := make([]bool, len(curr))

	prevByIdentity := make(map[string]int, len(prev))
	for i, pe := range prev {
		prevByIdentity[identityKey(pe)] = i
	}

	var events []types.DiffEvent

	for j, ce := range curr {
		i, ok := prevByIdentity[identityKey(ce)]
		if !ok || matchedPrev[i] {
			continue
		}
		matchedPrev[i] = true
		matchedCurr[j] = true
		if differs(prev[i], ce) {
			events = append(events, types.DiffEvent{Kind: types.DiffModified, Element: ce})
		}
	}

	for j, ce := range curr {
		if matchedCurr[j] {
			continue
		}
		for i, pe := range prev {
			if matchedPrev[i] {
				continue
			}
			if fuzzyMatch(pe, ce) {
				matchedPrev[i] = true
				matchedCurr[j] = true
				if differs(pe, ce) {
					events = append(events, types.DiffEvent{Kind: types.DiffModified, Element: ce})
				}
				break
			}
		}
	}

	for i, pe := range prev {
		if !matchedPrev[i] {
			events = append(events, types.DiffEvent{Kind: types.DiffRemoved, Element: pe})
		}
	}
	for j, ce := range curr {
		if !matchedCurr[j] {
			events = append(events, types.DiffEvent{Kind: types.DiffAdded, Element: ce})
		}
	}
	return events
}

func identityKey(e types.Element) string {
	var b strings.Builder
	b.WriteString(e.Role)
	b.WriteByte('|')
	for i, p := range e.Path {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(itoa(p))
	}
	b.WriteByte('|')
	b.WriteString(e.Text)
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func fuzzyMatch(pe, ce types.Element) bool {
	if pe.Role != ce.Role {
		return false
	}
	if pe.HasText && ce.HasText && pe.Text == ce.Text {
		return true
	}
	if !pe.HasBounds || !ce.HasBounds {
		return false
	}
	return boundsWithinTolerance(pe.Bounds, ce.Bounds, fuzzyBoundsTolerance)
}

func boundsWithinTolerance(a, b types.Bounds, tolerance float64) bool {
	return math.Abs(a.X-b.X) <= tolerance && math.Abs(a.Y-b.Y) <= tolerance &&
		math.Abs(a.W-b.W) <= tolerance && math.Abs(a.H-b.H) <= tolerance
}

func differs(pe, ce types.Element) bool {
	return pe.Text != ce.Text || pe.Bounds != ce.Bounds || pe.Enabled != ce.Enabled || pe.Focused != ce.Focused
}
