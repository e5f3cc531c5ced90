// Package reconciler implements the Window Reconciler of spec.md §4.3:
// the component that mediates between the window-server snapshot (the
// Fake/real OS Adapter's EnumerateWindows) and live accessibility
// handles, which disagree for windows of real time.
//
// Grounded on the teacher's internal/recording reconciliation of a
// replayed DOM snapshot against live page state (it tolerates the same
// kind of staleness between "what we captured" and "what is live now"),
// generalized here to bounds/title scoring instead of DOM diffing.
package reconciler

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/singleflight"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
	"github.com/joeycumines/macosuse-core/internal/registry"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// matchTolerance bounds the scoring window of spec.md §4.3 step 4: "on
// the order of tens of pixels, not a fixed ±2 px". Generous enough to
// absorb compositor/chrome adjustments between a mutation and the next
// snapshot refresh, tight enough that two adjacent ordinary windows do
// not collide.
const matchTolerance = 75.0

// titleMatchFactor halves the score when the live and snapshot titles
// match exactly, disambiguating the common case per spec.md §4.3 step 4.
const titleMatchFactor = 0.5

// Reconciler resolves applications/{pid}/windows/{wid} to a live
// accessibility handle and builds the per-request Window response,
// mediating between EnumerateWindows (the window-server snapshot
// authority) and the accessibility layer (the fresh-read authority).
type Reconciler struct {
	adapter  osadapter.Adapter
	snapshot *registry.Registry[osadapter.WindowSnapshotEntry] // keyed by window name, refreshed wholesale by RefreshSnapshot
	handles  *registry.Registry[osadapter.WindowHandle]        // keyed by window name, the "window registry" spec.md §4.3 refreshes per mutation

	// resolveGroup collapses concurrent cache-miss resolutions for the
	// same window name into a single six-step walk, so a burst of
	// requests racing a just-invalidated handle don't each re-walk
	// live windows and children independently.
	resolveGroup singleflight.Group
}

// New constructs a Reconciler over adapter. The snapshot and handle
// registries have no TTL of their own: the snapshot is refreshed
// wholesale by RefreshSnapshot, and a handle entry is removed only by
// InvalidateWindow.
func New(adapter osadapter.Adapter) *Reconciler {
	return &Reconciler{
		adapter:  adapter,
		snapshot: registry.New[osadapter.WindowSnapshotEntry](),
		handles:  registry.New[osadapter.WindowHandle](),
	}
}

// RefreshSnapshot replaces the reconciler's view of the window-server
// enumeration wholesale. Callers (typically a background poller) invoke
// this periodically; individual RPCs never trigger it synchronously
// (spec.md §4.3: "they do not poll for snapshot convergence").
func (r *Reconciler) RefreshSnapshot(ctx context.Context) error {
	entries, aerr := r.adapter.EnumerateWindows(ctx)
	if aerr != nil {
		return osadapter.Translate(aerr, "refresh window snapshot")
	}
	for _, e := range entries {
		name := types.WindowName(e.OwnerPID, e.WID)
		r.snapshot.Put(name, e, 0)
	}
	return nil
}

// InvalidateWindow removes the cached live handle for (pid, wid), so the
// next FindWindowHandle call re-resolves it from scratch. CloseWindow
// calls it once the close succeeds; the other window mutations keep the
// cached handle and build their read-back response from it, and no
// mutation refreshes the snapshot.
func (r *Reconciler) InvalidateWindow(pid int, wid string) {
	r.handles.Invalidate(types.WindowName(pid, wid))
}

// FindWindowHandle resolves the live accessibility handle currently
// addressable as applications/{pid}/windows/{wid}, implementing spec.md
// §4.3's six-step algorithm.
func (r *Reconciler) FindWindowHandle(ctx context.Context, pid int, wid string) (osadapter.WindowHandle, error) {
	name := types.WindowName(pid, wid)
	if h, ok := r.handles.Get(name); ok {
		return h, nil
	}

	v, err, _ := r.resolveGroup.Do(name, func() (any, error) {
		return r.resolveWindowHandle(ctx, pid, wid, name)
	})
	if err != nil {
		return osadapter.WindowHandle{}, err
	}
	return v.(osadapter.WindowHandle), nil
}

// resolveWindowHandle performs the six-step resolution walk for a single
// cache miss; it is only ever invoked once per name at a time, via
// resolveGroup.
func (r *Reconciler) resolveWindowHandle(ctx context.Context, pid int, wid, name string) (osadapter.WindowHandle, error) {
	// Another caller may have resolved and cached the handle while this
	// call waited to become the singleflight leader.
	if h, ok := r.handles.Get(name); ok {
		return h, nil
	}

	appHandle, aerr := r.adapter.ApplicationHandle(ctx, pid)
	if aerr != nil {
		return osadapter.WindowHandle{}, osadapter.Translate(aerr, "resolve application handle")
	}

	// Step 1: fetch live window handles for the process.
	live, aerr := r.adapter.WindowHandles(ctx, appHandle)
	if aerr != nil {
		return osadapter.WindowHandle{}, osadapter.Translate(aerr, "enumerate live window handles")
	}

	candidate, hasCandidate := r.snapshot.Peek(name)

	// Steps 2-4: batched attribute read plus direct-ID fast path, falling
	// back to bounds/title scoring against the snapshot candidate.
	handle, score, found, err := r.resolveAmong(ctx, live, wid, candidate, hasCandidate)
	if err != nil {
		return osadapter.WindowHandle{}, err
	}
	if found {
		r.handles.Put(name, handle, 0)
		return handle, nil
	}

	// Step 5: fall back once to a child-node search for minimized/hidden
	// windows excluded from the primary window list.
	childHandle, childScore, childFound, err := r.searchChildren(ctx, appHandle, wid, candidate, hasCandidate)
	if err != nil {
		return osadapter.WindowHandle{}, err
	}
	if childFound {
		r.handles.Put(name, childHandle, 0)
		return childHandle, nil
	}

	best := score
	if hasCandidate && childScore < best {
		best = childScore
	}
	detail := fmt.Sprintf(
		"no window matched pid=%d wid=%q: consulted %d live handles and one child-node fallback search, snapshot-candidate-present=%v, best-score=%.1f (tolerance=%.1f)",
		pid, wid, len(live), hasCandidate, best, matchTolerance,
	)
	return osadapter.WindowHandle{}, corerr.New(corerr.NotFound, "window not found").WithDetail(detail)
}

// resolveAmong implements steps 2-4 of the algorithm over a slice of
// live window handles already fetched by the caller.
func (r *Reconciler) resolveAmong(ctx context.Context, live []osadapter.WindowHandle, wid string, candidate osadapter.WindowSnapshotEntry, hasCandidate bool) (osadapter.WindowHandle, float64, bool, error) {
	bestScore := math.Inf(1)
	var bestHandle osadapter.WindowHandle
	haveBest := false

	for _, wh := range live {
		// Step 3: direct handle -> window-id query is authoritative.
		if directID, ok, aerr := r.adapter.DirectWindowID(ctx, wh); aerr != nil {
			return osadapter.WindowHandle{}, 0, false, osadapter.Translate(aerr, "direct window id query")
		} else if ok {
			if directID == wid {
				return wh, 0, true, nil
			}
			continue
		}

		if !hasCandidate {
			continue
		}

		// Step 2: one batched read of bounds and title per window.
		attrs, aerr := r.adapter.ReadAttributes(ctx, osadapter.ElementHandle(wh), []string{"bounds", "title"})
		if aerr != nil {
			return osadapter.WindowHandle{}, 0, false, osadapter.Translate(aerr, "batched window attribute read")
		}
		score, ok := scoreAgainst(attrs, candidate)
		if !ok {
			continue
		}
		if score < bestScore {
			bestScore = score
			bestHandle = wh
			haveBest = true
		}
	}

	if haveBest && bestScore <= matchTolerance {
		return bestHandle, bestScore, true, nil
	}
	return osadapter.WindowHandle{}, bestScore, false, nil
}

// searchChildren implements step 5: a fallback accessibility children
// walk of the application root, scoring the same way as resolveAmong,
// for windows excluded from the primary live-handle enumeration
// (minimized or hidden).
func (r *Reconciler) searchChildren(ctx context.Context, appHandle osadapter.ApplicationHandle, wid string, candidate osadapter.WindowSnapshotEntry, hasCandidate bool) (osadapter.WindowHandle, float64, bool, error) {
	children, aerr := r.adapter.Children(ctx, osadapter.ElementHandle(appHandle))
	if aerr != nil {
		return osadapter.WindowHandle{}, math.Inf(1), false, osadapter.Translate(aerr, "child-node fallback search")
	}

	bestScore := math.Inf(1)
	var bestHandle osadapter.WindowHandle
	haveBest := false

	for _, child := range children {
		wh := osadapter.WindowHandle(child)
		if directID, ok, aerr := r.adapter.DirectWindowID(ctx, wh); aerr != nil {
			return osadapter.WindowHandle{}, bestScore, false, osadapter.Translate(aerr, "direct window id query on child")
		} else if ok {
			if directID == wid {
				return wh, 0, true, nil
			}
			continue
		}

		if !hasCandidate {
			continue
		}

		attrs, aerr := r.adapter.ReadAttributes(ctx, child, []string{"bounds", "title"})
		if aerr != nil {
			return osadapter.WindowHandle{}, bestScore, false, osadapter.Translate(aerr, "batched child attribute read")
		}
		score, ok := scoreAgainst(attrs, candidate)
		if !ok {
			continue
		}
		if score < bestScore {
			bestScore = score
			bestHandle = wh
			haveBest = true
		}
	}

	if haveBest && bestScore <= matchTolerance {
		return bestHandle, bestScore, true, nil
	}
	return osadapter.WindowHandle{}, bestScore, false, nil
}

// scoreAgainst computes spec.md §4.3 step 4's distance score between a
// live attribute read and the snapshot candidate, returning ok=false if
// the live read has no usable bounds.
func scoreAgainst(attrs map[string]osadapter.AttrValue, candidate osadapter.WindowSnapshotEntry) (float64, bool) {
	boundsAttr, ok := attrs["bounds"]
	if !ok || !boundsAttr.Present {
		return 0, false
	}
	liveBounds, ok := boundsAttr.Value.(osadapter.Rect)
	if !ok {
		return 0, false
	}

	originScore := math.Hypot(liveBounds.X-candidate.Bounds.X, liveBounds.Y-candidate.Bounds.Y)
	sizeScore := math.Hypot(liveBounds.W-candidate.Bounds.W, liveBounds.H-candidate.Bounds.H)
	score := originScore + sizeScore

	if titleAttr, ok := attrs["title"]; ok && titleAttr.Present {
		if liveTitle, ok := titleAttr.Value.(string); ok && candidate.HasTitle && liveTitle == candidate.Title {
			score *= titleMatchFactor
		}
	}
	return score, true
}

// BuildWindowResponse implements spec.md §4.3's build_window_response:
// title/bounds/minimized/hidden are always fresh accessibility reads;
// z_index/bundle_id come from the snapshot registry (zero-valued if
// absent, with no synchronous refresh triggered); visible is the hybrid
// formula in the method body.
func (r *Reconciler) BuildWindowResponse(ctx context.Context, pid int, wid string) (types.Window, error) {
	handle, err := r.FindWindowHandle(ctx, pid, wid)
	if err != nil {
		return types.Window{}, err
	}

	attrs, aerr := r.adapter.ReadAttributes(ctx, osadapter.ElementHandle(handle), []string{"bounds", "title", "minimized", "hidden"})
	if aerr != nil {
		return types.Window{}, osadapter.Translate(aerr, "fresh window attribute read")
	}

	name := types.WindowName(pid, wid)
	entry, hasEntry := r.snapshot.Peek(name)

	w := types.Window{
		Name: name,
		PID:  pid,
		WID:  wid,
	}
	if hasEntry {
		w.ZIndex = entry.ZOrderLayer
		w.BundleID = entry.OwnerBundle
	}

	onScreenFresh := false
	minimized, hidden := false, false
	if b, ok := attrs["bounds"]; ok && b.Present {
		if rect, ok := b.Value.(osadapter.Rect); ok {
			w.Bounds = types.Bounds{X: rect.X, Y: rect.Y, W: rect.W, H: rect.H}
			onScreenFresh = true
		}
	}
	if t, ok := attrs["title"]; ok && t.Present {
		if s, ok := t.Value.(string); ok {
			w.Title = s
		}
	}
	if m, ok := attrs["minimized"]; ok && m.Present {
		if b, ok := m.Value.(bool); ok {
			minimized = b
		}
	}
	if h, ok := attrs["hidden"]; ok && h.Present {
		if b, ok := h.Value.(bool); ok {
			hidden = b
		}
	}

	onScreen := onScreenFresh && !minimized && !hidden
	if !onScreenFresh {
		// Fresh read failed to produce usable bounds; fall back to the
		// registry's last-known on-screen status per the hybrid formula.
		onScreen = hasEntry && entry.OnScreen
	}
	w.Visible = onScreen && !minimized && !hidden

	return w, nil
}

