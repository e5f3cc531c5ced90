package statestore

import (
	"testing"
	"time"

	"github.com/joeycumines/macosuse-core/internal/types"
)

func TestSnapshotEmptyIsConsistent(t *testing.T) {
	t.Parallel()
	s := New()
	if !Consistent(s.Snapshot()) {
		t.Errorf("empty snapshot should be consistent")
	}
}

func TestMutateAddApplicationAndInput(t *testing.T) {
	t.Parallel()
	s := New()
	appName := types.ApplicationName(100)

	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		next.Applications[appName] = types.Application{Name: appName, PID: 100, BundleID: "com.example.app"}
		return next
	})

	snap := s.Snapshot()
	if _, ok := snap.Applications[appName]; !ok {
		t.Fatalf("expected application present after Mutate")
	}

	inputName := types.InputName(100, "i1")
	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		next.Inputs[inputName] = types.Input{Name: inputName, ID: "i1", PID: 100, Kind: types.InputClick, State: types.InputPending, Submitted: time.Now()}
		return next
	})

	snap2 := s.Snapshot()
	if !Consistent(snap2) {
		t.Errorf("expected snapshot consistent: input's app exists")
	}
	if len(snap2.Inputs) != 1 {
		t.Errorf("expected 1 input, got %d", len(snap2.Inputs))
	}
}

func TestSnapshotIsolationFromConcurrentMutate(t *testing.T) {
	t.Parallel()
	s := New()
	appName := types.ApplicationName(1)
	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		next.Applications[appName] = types.Application{Name: appName, PID: 1}
		return next
	})

	held := s.Snapshot()

	s.Mutate(func(cur *Snapshot) *Snapshot {
		next := Clone(cur)
		delete(next.Applications, appName)
		return next
	})

	if _, ok := held.Applications[appName]; !ok {
		t.Errorf("previously taken snapshot must not observe a later Mutate's deletion")
	}
	if _, ok := s.Snapshot().Applications[appName]; ok {
		t.Errorf("current snapshot should reflect the deletion")
	}
}

func TestConsistentDetectsOrphanInput(t *testing.T) {
	t.Parallel()
	snap := emptySnapshot()
	inputName := types.InputName(5, "orphan")
	snap.Inputs[inputName] = types.Input{Name: inputName, ID: "orphan", PID: 5, State: types.InputPending}

	if Consistent(snap) {
		t.Errorf("expected inconsistency detected: input references an application that is not present")
	}
}

func TestConsistentIgnoresDesktopScopedInputs(t *testing.T) {
	t.Parallel()
	snap := emptySnapshot()
	name := types.DesktopInputName("d1")
	snap.Inputs[name] = types.Input{Name: name, ID: "d1", PID: 0, State: types.InputPending}

	if !Consistent(snap) {
		t.Errorf("desktop-scoped inputs (PID 0) should never trip the application-prefix invariant")
	}
}

func TestMutateSerializesWriters(t *testing.T) {
	s := New()
	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		go func() {
			s.Mutate(func(cur *Snapshot) *Snapshot {
				next := Clone(cur)
				name := types.ApplicationName(i + 1)
				next.Applications[name] = types.Application{Name: name, PID: i + 1}
				return next
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if len(s.Snapshot().Applications) != n {
		t.Errorf("expected %d applications after %d concurrent mutations, got %d", n, n, len(s.Snapshot().Applications))
	}
}
