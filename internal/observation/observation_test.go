package observation

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/macosuse-core/internal/locator"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
	"github.com/joeycumines/macosuse-core/internal/registry"
	"github.com/joeycumines/macosuse-core/internal/types"
)

func newFixture() (*osadapter.Fake, *Manager) {
	f := osadapter.NewFake()
	elements := registry.New[osadapter.ElementHandle]()
	loc := locator.New(f, elements, 4)
	return f, New(f, loc)
}

func TestStartTransitionsPendingToActiveSynchronously(t *testing.T) {
	t.Parallel()
	f, m := newFixture()
	f.AddApplication(100, "com.example.app")

	name := m.StartElementTreeObservation(context.Background(), 100, nil, 5*time.Millisecond)
	obs, err := m.Get(name)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if obs.State != types.ObservationActive {
		t.Errorf("State = %q, want active immediately after Start", obs.State)
	}
}

func TestSubscribeReceivesAddedEvent(t *testing.T) {
	t.Parallel()
	f, m := newFixture()
	f.AddApplication(100, "com.example.app")

	name := m.StartElementTreeObservation(context.Background(), 100, nil, 5*time.Millisecond)
	sub, err := m.Subscribe(name)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	f.AddWindow(100, "w1", "New Window", osadapter.Rect{W: 100, H: 50}, false)

	select {
	case ev := <-sub.Events():
		if ev.Kind != types.DiffAdded {
			t.Errorf("Kind = %q, want added", ev.Kind)
		}
		if ev.Element.Text != "New Window" {
			t.Errorf("Element.Text = %q, want New Window", ev.Element.Text)
		}
		if ev.Sequence != 1 {
			t.Errorf("Sequence = %d, want 1 for a subscriber's first event", ev.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for added diff event")
	}
}

func TestSubscribeReceivesModifiedEventOnMove(t *testing.T) {
	t.Parallel()
	f, m := newFixture()
	f.AddApplication(100, "com.example.app")
	wh := f.AddWindow(100, "w1", "Moving", osadapter.Rect{W: 100, H: 50}, false)

	name := m.StartElementTreeObservation(context.Background(), 100, nil, 5*time.Millisecond)
	// Let the first poll establish the baseline before subscribing, so the
	// subscriber only sees the subsequent modification, not the initial add.
	time.Sleep(20 * time.Millisecond)
	sub, err := m.Subscribe(name)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	f.MoveResize(wh, osadapter.Rect{X: 500, Y: 500, W: 100, H: 50})

	select {
	case ev := <-sub.Events():
		if ev.Kind != types.DiffModified {
			t.Errorf("Kind = %q, want modified", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for modified diff event")
	}
}

func TestCancelClosesSubscriberChannel(t *testing.T) {
	t.Parallel()
	f, m := newFixture()
	f.AddApplication(100, "com.example.app")

	name := m.StartElementTreeObservation(context.Background(), 100, nil, 5*time.Millisecond)
	sub, err := m.Subscribe(name)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if err := m.Cancel(name); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Errorf("expected channel closed after Cancel, got a value")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	obs, err := m.Get(name)
	if err == nil {
		t.Errorf("expected cancelled observation removed from lookup, got state %q", obs.State)
	}
}

func TestSubscribeAfterCancelFails(t *testing.T) {
	t.Parallel()
	f, m := newFixture()
	f.AddApplication(100, "com.example.app")

	name := m.StartElementTreeObservation(context.Background(), 100, nil, 5*time.Millisecond)
	if err := m.Cancel(name); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if _, err := m.Subscribe(name); err == nil {
		t.Errorf("expected Subscribe to fail once the observation is gone")
	}
}

func TestInvalidateForProcessCancelsScopedObservations(t *testing.T) {
	t.Parallel()
	f, m := newFixture()
	f.AddApplication(100, "com.example.app")
	f.AddApplication(200, "com.example.other")

	nameA := m.StartElementTreeObservation(context.Background(), 100, nil, 5*time.Millisecond)
	nameB := m.StartElementTreeObservation(context.Background(), 200, nil, 5*time.Millisecond)

	m.InvalidateForProcess(100)

	if _, err := m.Get(nameA); err == nil {
		t.Errorf("expected observation scoped to pid 100 cancelled")
	}
	if obs, err := m.Get(nameB); err != nil || obs.State != types.ObservationActive {
		t.Errorf("expected observation scoped to pid 200 left active, got %+v err=%v", obs, err)
	}
}

func TestDropOldestNeverBlocksPublisher(t *testing.T) {
	t.Parallel()
	ch := make(chan types.DiffEvent, 2)
	for i := 0; i < 10; i++ {
		sendDropOldest(ch, types.DiffEvent{Sequence: uint64(i)})
	}
	if len(ch) != 2 {
		t.Fatalf("expected buffer to stay at capacity 2, got %d", len(ch))
	}
	first := <-ch
	second := <-ch
	if first.Sequence != 8 || second.Sequence != 9 {
		t.Errorf("expected the two newest events (8, 9) to survive, got %d and %d", first.Sequence, second.Sequence)
	}
}

func TestDiffElementsIdentityMatchSuppressesUnchanged(t *testing.T) {
	t.Parallel()
	e := types.Element{Role: "button", Text: "OK", Path: []int{0, 1}, HasText: true}
	events := DiffElements([]types.Element{e}, []types.Element{e})
	if len(events) != 0 {
		t.Errorf("expected no events for an unchanged element, got %+v", events)
	}
}

func TestDiffElementsDetectsAddedAndRemoved(t *testing.T) {
	t.Parallel()
	prev := []types.Element{{Role: "button", Text: "Gone", Path: []int{0}, HasText: true}}
	curr := []types.Element{{Role: "button", Text: "New", Path: []int{1}, HasText: true}}

	events := DiffElements(prev, curr)
	if len(events) != 2 {
		t.Fatalf("expected 1 removed + 1 added, got %d: %+v", len(events), events)
	}
	var sawAdded, sawRemoved bool
	for _, ev := range events {
		switch ev.Kind {
		case types.DiffAdded:
			sawAdded = true
			if ev.Element.Text != "New" {
				t.Errorf("added event carries wrong element: %+v", ev.Element)
			}
		case types.DiffRemoved:
			sawRemoved = true
			if ev.Element.Text != "Gone" {
				t.Errorf("removed event carries wrong element: %+v", ev.Element)
			}
		}
	}
	if !sawAdded || !sawRemoved {
		t.Errorf("expected both an added and a removed event, got %+v", events)
	}
}

func TestDiffElementsFuzzyMatchesByBoundsWhenTextMissing(t *testing.T) {
	t.Parallel()
	prev := []types.Element{{Role: "image", Path: []int{0}, Bounds: types.Bounds{X: 10, Y: 10, W: 20, H: 20}, HasBounds: true}}
	curr := []types.Element{{Role: "image", Path: []int{1}, Bounds: types.Bounds{X: 11, Y: 10, W: 20, H: 20}, HasBounds: true}}

	events := DiffElements(prev, curr)
	if len(events) != 1 || events[0].Kind != types.DiffModified {
		t.Errorf("expected fuzzy bounds match within tolerance to suppress add/remove churn and report the 1px move as one modified event, got %+v", events)
	}
}

func TestDiffElementsFuzzyMatchEmitsModifiedWhenFocusChanges(t *testing.T) {
	t.Parallel()
	prev := []types.Element{{Role: "image", Path: []int{0}, Bounds: types.Bounds{X: 10, Y: 10, W: 20, H: 20}, HasBounds: true, Focused: false}}
	curr := []types.Element{{Role: "image", Path: []int{1}, Bounds: types.Bounds{X: 11, Y: 10, W: 20, H: 20}, HasBounds: true, Focused: true}}

	events := DiffElements(prev, curr)
	if len(events) != 1 || events[0].Kind != types.DiffModified {
		t.Fatalf("expected one modified event, got %+v", events)
	}
}
