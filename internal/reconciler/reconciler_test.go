package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
)

func TestFindWindowHandleDirectIDFastPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.SetSupportsDirectID(true)
	f.AddApplication(100, "com.example.app")
	wh := f.AddWindow(100, "w1", "Untitled", osadapter.Rect{X: 0, Y: 0, W: 100, H: 100}, false)
	f.PublishSnapshot()

	r := New(f)
	got, err := r.FindWindowHandle(ctx, 100, "w1")
	if err != nil {
		t.Fatalf("FindWindowHandle error: %v", err)
	}
	if !got.Equal(wh) {
		t.Errorf("expected direct ID fast path to resolve the correct handle")
	}
}

func TestFindWindowHandleToleratesStaleSnapshotBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.AddApplication(100, "com.example.app")
	wh := f.AddWindow(100, "w1", "Doc", osadapter.Rect{X: 0, Y: 0, W: 100, H: 100}, false)
	f.PublishSnapshot()

	// Mutate live bounds slightly (simulating a move) without republishing
	// the snapshot — the reconciler must still match via scoring within
	// tolerance, not strict equality.
	f.MoveResize(wh, osadapter.Rect{X: 12, Y: 8, W: 100, H: 100})

	r := New(f)
	if err := r.RefreshSnapshot(ctx); err != nil {
		t.Fatalf("RefreshSnapshot error: %v", err)
	}

	got, err := r.FindWindowHandle(ctx, 100, "w1")
	if err != nil {
		t.Fatalf("FindWindowHandle should tolerate small stale-snapshot drift, got error: %v", err)
	}
	if !got.Equal(wh) {
		t.Errorf("expected scoring fallback to resolve the correct handle")
	}
}

func TestFindWindowHandleNotFoundDiagnostic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.AddApplication(100, "com.example.app")

	r := New(f)
	_, err := r.FindWindowHandle(ctx, 100, "nonexistent")
	ce, ok := corerr.As(err)
	if !ok || ce.Kind != corerr.NotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if ce.Detail == "" {
		t.Errorf("expected a diagnostic detail string naming consulted inputs")
	}
}

func TestFindWindowHandleChildFallbackForExcludedWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.SetSupportsDirectID(true)
	f.AddApplication(200, "com.example.hidden")
	hidden := f.AddWindow(200, "hidden-win", "Hidden", osadapter.Rect{X: 1, Y: 1, W: 50, H: 50}, true)
	f.PublishSnapshot()

	r := New(f)
	got, err := r.FindWindowHandle(ctx, 200, "hidden-win")
	if err != nil {
		t.Fatalf("expected child-node fallback to find the excluded window, got error: %v", err)
	}
	if !got.Equal(hidden) {
		t.Errorf("expected the fallback to resolve the hidden window's handle")
	}
}

func TestBuildWindowResponseVisibleTrueImmediatelyAfterMove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.SetSupportsDirectID(true)
	f.AddApplication(300, "com.example.app")
	wh := f.AddWindow(300, "w1", "Doc", osadapter.Rect{X: 0, Y: 0, W: 100, H: 100}, false)
	f.PublishSnapshot()

	r := New(f)
	if err := r.RefreshSnapshot(ctx); err != nil {
		t.Fatalf("RefreshSnapshot error: %v", err)
	}
	// Move without republishing the snapshot: registry's on_screen may be
	// stale, but the fresh accessibility read must still win.
	f.MoveResize(wh, osadapter.Rect{X: 500, Y: 500, W: 100, H: 100})

	win, err := r.BuildWindowResponse(ctx, 300, "w1")
	if err != nil {
		t.Fatalf("BuildWindowResponse error: %v", err)
	}
	if !win.Visible {
		t.Errorf("expected visible=true immediately after a successful move, per the hybrid formula")
	}
	if win.Bounds.X != 500 {
		t.Errorf("expected fresh bounds, got %v", win.Bounds)
	}
}

func TestBuildWindowResponseZIndexAndBundleFromSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.AddApplication(400, "com.example.zed")
	f.AddWindow(400, "w1", "Doc", osadapter.Rect{W: 10, H: 10}, false)
	f.PublishSnapshot()

	r := New(f)
	if err := r.RefreshSnapshot(ctx); err != nil {
		t.Fatalf("RefreshSnapshot error: %v", err)
	}
	win, err := r.BuildWindowResponse(ctx, 400, "w1")
	if err != nil {
		t.Fatalf("BuildWindowResponse error: %v", err)
	}
	if win.BundleID != "com.example.zed" {
		t.Errorf("expected bundle_id sourced from the snapshot registry, got %q", win.BundleID)
	}
}

func TestInvalidateWindowForcesReResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.SetSupportsDirectID(true)
	f.AddApplication(500, "com.example.app")
	wh := f.AddWindow(500, "w1", "Doc", osadapter.Rect{}, false)
	f.PublishSnapshot()

	r := New(f)
	got1, err := r.FindWindowHandle(ctx, 500, "w1")
	if err != nil || !got1.Equal(wh) {
		t.Fatalf("initial resolution failed: %v", err)
	}

	r.InvalidateWindow(500, "w1")

	got2, err := r.FindWindowHandle(ctx, 500, "w1")
	if err != nil || !got2.Equal(wh) {
		t.Fatalf("re-resolution after invalidate failed: %v", err)
	}
}

func TestFindWindowHandleCollapsesConcurrentCacheMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := osadapter.NewFake()
	f.SetSupportsDirectID(true)
	f.AddApplication(600, "com.example.app")
	wh := f.AddWindow(600, "w1", "Doc", osadapter.Rect{}, false)
	f.PublishSnapshot()

	r := New(f)

	const concurrency = 8
	var wg sync.WaitGroup
	results := make([]osadapter.WindowHandle, concurrency)
	errs := make([]error, concurrency)
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.FindWindowHandle(ctx, 600, "w1")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil || !results[i].Equal(wh) {
			t.Fatalf("goroutine %d: got %v, err %v, want %v", i, results[i], errs[i], wh)
		}
	}
}
