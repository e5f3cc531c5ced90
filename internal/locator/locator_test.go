package locator

import (
	"context"
	"testing"

	"github.com/joeycumines/macosuse-core/internal/osadapter"
	"github.com/joeycumines/macosuse-core/internal/registry"
	"github.com/joeycumines/macosuse-core/internal/selector"
	"github.com/joeycumines/macosuse-core/internal/types"
)

func newFixture() (*osadapter.Fake, *Locator, osadapter.ApplicationHandle) {
	f := osadapter.NewFake()
	appHandle := f.AddApplication(100, "com.example.app")
	elements := registry.New[osadapter.ElementHandle]()
	l := New(f, elements, 4)
	return f, l, appHandle
}

func TestLocateVisibleOnlyFiltersZeroSizeElements(t *testing.T) {
	t.Parallel()
	f, l, _ := newFixture()
	f.AddWindow(100, "w1", "Visible", osadapter.Rect{X: 0, Y: 0, W: 100, H: 50}, false)
	f.AddWindow(100, "w2", "ZeroSize", osadapter.Rect{X: 0, Y: 0, W: 0, H: 0}, false)

	got, err := l.Locate(context.Background(), 100, Options{})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 visible element, got %d: %+v", len(got), got)
	}
	if got[0].Text != "Visible" {
		t.Errorf("expected the zero-size window excluded, got %q", got[0].Text)
	}
}

func TestLocateSelectorFilter(t *testing.T) {
	t.Parallel()
	f, l, _ := newFixture()
	f.AddWindow(100, "w1", "Alpha", osadapter.Rect{W: 10, H: 10}, false)
	f.AddWindow(100, "w2", "Beta", osadapter.Rect{W: 10, H: 10}, false)

	sel := selector.Leaf{Field: selector.FieldText, Op: selector.OpEquals, Value: "Beta"}
	got, err := l.Locate(context.Background(), 100, Options{Selector: sel})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Beta" {
		t.Fatalf("expected exactly the Beta element, got %+v", got)
	}
}

func TestLocateStableOrderMatchesInsertionOrder(t *testing.T) {
	t.Parallel()
	f, l, _ := newFixture()
	f.AddWindow(100, "w1", "First", osadapter.Rect{W: 10, H: 10}, false)
	f.AddWindow(100, "w2", "Second", osadapter.Rect{W: 10, H: 10}, false)
	f.AddWindow(100, "w3", "Third", osadapter.Rect{W: 10, H: 10}, false)

	got1, err := l.Locate(context.Background(), 100, Options{})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	got2, err := l.Locate(context.Background(), 100, Options{})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if len(got1) != 3 || len(got2) != 3 {
		t.Fatalf("expected 3 elements both times, got %d and %d", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i].Text != got2[i].Text {
			t.Errorf("order not stable across calls at index %d: %q vs %q", i, got1[i].Text, got2[i].Text)
		}
	}
	if got1[0].Text != "First" || got1[1].Text != "Second" || got1[2].Text != "Third" {
		t.Errorf("expected insertion order preserved, got %q, %q, %q", got1[0].Text, got1[1].Text, got1[2].Text)
	}
}

func TestLocateRegisteredElementsResolveLiveHandle(t *testing.T) {
	t.Parallel()
	f := osadapter.NewFake()
	f.AddApplication(100, "com.example.app")
	wh := f.AddWindow(100, "w1", "Doc", osadapter.Rect{W: 10, H: 10}, false)
	elements := registry.New[osadapter.ElementHandle]()
	l := New(f, elements, 4)

	got, err := l.Locate(context.Background(), 100, Options{})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 element, got %d", len(got))
	}

	handle, ok := elements.Get(got[0].Name)
	if !ok {
		t.Fatalf("expected the located element registered under %q", got[0].Name)
	}
	if !osadapter.WindowHandle(handle).Equal(wh) {
		t.Errorf("expected the registered handle to resolve back to the live window handle")
	}
}

func TestLocateEmptyTreeTerminates(t *testing.T) {
	t.Parallel()
	_, l, _ := newFixture()
	// No windows added: the application root has no children, so a
	// pathological self-referential tree cannot occur via this fake, but
	// Locate must still terminate cleanly on an empty tree.
	got, err := l.Locate(context.Background(), 100, Options{})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no elements for an application with no windows, got %d", len(got))
	}
}

func TestLocateRegionRestriction(t *testing.T) {
	t.Parallel()
	f, l, _ := newFixture()
	f.AddWindow(100, "w1", "Inside", osadapter.Rect{X: 5, Y: 5, W: 10, H: 10}, false)
	f.AddWindow(100, "w2", "Outside", osadapter.Rect{X: 500, Y: 500, W: 10, H: 10}, false)

	region := types.Bounds{X: 0, Y: 0, W: 100, H: 100}
	got, err := l.Locate(context.Background(), 100, Options{Region: &region})
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Inside" {
		t.Fatalf("expected only the in-region element, got %+v", got)
	}
}
