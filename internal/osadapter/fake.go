package osadapter

import (
	"context"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Adapter used by every test in this module and by
// cmd/automationd's demo mode. It deliberately reproduces the
// split-brain behavior spec.md §4.3 exists to reconcile: EnumerateWindows
// returns whatever was last published via PublishSnapshot, which can lag
// arbitrarily far behind live mutations made through WriteAttribute /
// PerformAction / synthetic move-resize helpers, exactly like a real
// window-server snapshot lagging live accessibility state.
type Fake struct {
	mu sync.Mutex

	nextID uint64

	apps     map[int]*fakeApp
	windows  map[handleID]*fakeWindow
	elements map[handleID]*fakeElement

	snapshot []WindowSnapshotEntry // last published snapshot
	displays []DisplayInfo

	supportsDirectID bool
	subs             []*fakeSub
}

type fakeApp struct {
	handle           ApplicationHandle
	pid              int
	bundle           string
	activationPolicy string
	launchTime       int64
	windowOrder      []handleID // insertion order, primary window list
	rootElement      handleID   // for Children() fallback search, includes hidden/minimized windows
}

type fakeWindow struct {
	handle      WindowHandle
	pid         int
	wid         string
	title       string
	bounds      Rect
	zIndex      int
	onScreen    bool
	minimized   bool
	hidden      bool
	focused     bool
	resizable   bool
	minimizable bool
	closable    bool
	modal       bool
	floating    bool
	excluded    bool // excluded from WindowHandles(); only reachable via Children() fallback
}

type fakeElement struct {
	handle     ElementHandle
	pid        int
	role       string
	text       string
	hasText    bool
	bounds     Rect
	hasBounds  bool
	enabled    bool
	focused    bool
	attrs      map[string]string
	children   []handleID
}

type fakeSub struct {
	ch     chan Notification
	closed int32
}

func (s *fakeSub) Events() <-chan Notification { return s.ch }
func (s *fakeSub) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.ch)
	}
}

// NewFake constructs an empty Fake adapter.
func NewFake() *Fake {
	return &Fake{
		apps:     make(map[int]*fakeApp),
		windows:  make(map[handleID]*fakeWindow),
		elements: make(map[handleID]*fakeElement),
	}
}

func (f *Fake) mint() handleID {
	f.nextID++
	return handleID(f.nextID)
}

// AddDisplay registers a display returned by EnumerateDisplays. Tests
// that never call this see an empty display enumeration, matching a
// real headless CI runner with no attached screens.
func (f *Fake) AddDisplay(id string, frame Rect, main bool, scale float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displays = append(f.displays, DisplayInfo{ID: id, Frame: frame, VisibleFrame: frame, Main: main, ScaleFactor: scale})
}

// SetSupportsDirectID toggles whether DirectWindowID succeeds, so tests
// can exercise both the primary (direct-ID) and fallback (heuristic
// scoring) branches of find_window_handle.
func (f *Fake) SetSupportsDirectID(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supportsDirectID = v
}

// AddApplication registers a running process and returns its handle. An
// application's ApplicationHandle and the root of its accessibility tree
// share the same underlying id — exactly like a real AXUIElementRef for
// a process, which doubles as both the process reference and its root
// element — so a caller holding only the narrow Adapter interface can
// reach the root via a plain ElementHandle(appHandle) conversion.
func (f *Fake) AddApplication(pid int, bundle string) ApplicationHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.mint()
	h := ApplicationHandle{id: id}
	f.elements[id] = &fakeElement{handle: ElementHandle{id: id}, pid: pid, role: "application", enabled: true}
	f.apps[pid] = &fakeApp{handle: h, pid: pid, bundle: bundle, activationPolicy: "regular", rootElement: id}
	return h
}

// AddWindow creates a window for pid and returns its handle. excluded,
// when true, hides the window from WindowHandles()/EnumerateWindows —
// simulating a minimized/hidden window only reachable via the
// Children() fallback search of spec.md §4.3 step 5.
func (f *Fake) AddWindow(pid int, wid, title string, bounds Rect, excluded bool) WindowHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.mint()
	h := WindowHandle{id: id}
	w := &fakeWindow{
		handle: h, pid: pid, wid: wid, title: title, bounds: bounds,
		onScreen: !excluded, resizable: true, minimizable: true, closable: true,
		excluded: excluded,
	}
	f.windows[id] = w
	app, ok := f.apps[pid]
	if ok {
		if !excluded {
			app.windowOrder = append(app.windowOrder, id)
		}
		// A window doubles as its own element-tree node: the same id is
		// reachable both as a WindowHandle (via WindowHandles) and, for
		// excluded windows, as an ElementHandle child of the application
		// root (via Children) — never a freshly minted id, since
		// ReadAttributes/DirectWindowID key off the shared handleID.
		root := f.elements[app.rootElement]
		root.children = append(root.children, id)
	}
	return h
}

// MoveResize mutates live bounds for a window handle, without touching
// the published snapshot — exactly the scenario find_window_handle must
// tolerate.
func (f *Fake) MoveResize(h WindowHandle, bounds Rect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[h.id]; ok {
		w.bounds = bounds
	}
}

// SetMinimized mutates live minimized state.
func (f *Fake) SetMinimized(h WindowHandle, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[h.id]; ok {
		w.minimized = v
	}
}

// SetFocused mutates live focus state, clearing focus on sibling windows
// of the same application (at most one focused window per app, like a
// real window server).
func (f *Fake) SetFocused(h WindowHandle, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[h.id]
	if !ok {
		return
	}
	if v {
		if app, ok := f.apps[w.pid]; ok {
			for _, id := range app.windowOrder {
				if sib, ok := f.windows[id]; ok {
					sib.focused = false
				}
			}
		}
	}
	w.focused = v
}

// PublishSnapshot recomputes the window-server snapshot from current
// live state. Call it to simulate the snapshot "catching up"; omit the
// call after a mutation to exercise staleness tolerance.
func (f *Fake) PublishSnapshot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishLocked()
}

func (f *Fake) publishLocked() {
	var entries []WindowSnapshotEntry
	for _, app := range f.apps {
		for i, id := range app.windowOrder {
			w := f.windows[id]
			entries = append(entries, WindowSnapshotEntry{
				WID: w.wid, OwnerPID: w.pid, ZOrderLayer: i,
				Bounds: w.bounds, OnScreen: w.onScreen,
				Title: w.title, HasTitle: w.title != "",
				OwnerBundle: app.bundle, HasBundle: app.bundle != "",
			})
		}
	}
	f.snapshot = entries
}

// --- Adapter interface ---

func (f *Fake) EnumerateWindows(ctx context.Context) ([]WindowSnapshotEntry, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		f.publishLocked()
	}
	out := make([]WindowSnapshotEntry, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *Fake) ApplicationHandle(ctx context.Context, pid int) (ApplicationHandle, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[pid]
	if !ok {
		return ApplicationHandle{}, NewError(ErrInvalidHandle, "no such application")
	}
	return app.handle, nil
}

func (f *Fake) WindowHandles(ctx context.Context, app ApplicationHandle) ([]WindowHandle, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.apps {
		if a.handle.Equal(app) {
			out := make([]WindowHandle, 0, len(a.windowOrder))
			for _, id := range a.windowOrder {
				out = append(out, WindowHandle{id: id})
			}
			return out, nil
		}
	}
	return nil, NewError(ErrInvalidHandle, "unknown application handle")
}

func (f *Fake) Children(ctx context.Context, handle ElementHandle) ([]ElementHandle, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, ok := f.elements[handle.id]
	if !ok {
		return nil, NewError(ErrInvalidHandle, "unknown element handle")
	}
	out := make([]ElementHandle, 0, len(el.children))
	for _, id := range el.children {
		out = append(out, ElementHandle{id: id})
	}
	return out, nil
}

// ApplicationRoot exposes the application's root accessibility element
// by pid. The locator and find_window_handle's child-node fallback reach
// the same node through ElementHandle(appHandle) instead.
func (f *Fake) ApplicationRoot(pid int) (ElementHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[pid]
	if !ok {
		return ElementHandle{}, false
	}
	return ElementHandle{id: app.rootElement}, true
}

func (f *Fake) DirectWindowID(ctx context.Context, handle WindowHandle) (string, bool, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supportsDirectID {
		return "", false, nil
	}
	w, ok := f.windows[handle.id]
	if !ok {
		return "", false, NewError(ErrInvalidHandle, "unknown window handle")
	}
	return w.wid, true, nil
}

func (f *Fake) ReadAttributes(ctx context.Context, handle ElementHandle, attrs []string) (map[string]AttrValue, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make(map[string]AttrValue, len(attrs))
	if w, ok := f.windows[handle.id]; ok {
		// ElementHandle and WindowHandle share the same handleID space in
		// this fake; a window is also addressable as its own element for
		// reads of window-scoped attributes (title/bounds/state).
		for _, a := range attrs {
			switch a {
			case "role":
				result[a] = AttrValue{Present: true, Value: "window"}
			case "title", "text":
				result[a] = AttrValue{Present: w.title != "", Value: w.title}
			case "enabled":
				result[a] = AttrValue{Present: true, Value: true}
			case "bounds":
				result[a] = AttrValue{Present: true, Value: w.bounds}
			case "minimized":
				result[a] = AttrValue{Present: true, Value: w.minimized}
			case "hidden":
				result[a] = AttrValue{Present: true, Value: w.hidden}
			case "focused":
				result[a] = AttrValue{Present: true, Value: w.focused}
			case "resizable":
				result[a] = AttrValue{Present: true, Value: w.resizable}
			case "minimizable":
				result[a] = AttrValue{Present: true, Value: w.minimizable}
			case "closable":
				result[a] = AttrValue{Present: true, Value: w.closable}
			case "modal":
				result[a] = AttrValue{Present: true, Value: w.modal}
			case "floating":
				result[a] = AttrValue{Present: true, Value: w.floating}
			default:
				result[a] = AttrValue{Present: false}
			}
		}
		return result, nil
	}

	el, ok := f.elements[handle.id]
	if !ok {
		return nil, NewError(ErrInvalidHandle, "unknown element handle")
	}
	for _, a := range attrs {
		switch a {
		case "role":
			result[a] = AttrValue{Present: el.role != "", Value: el.role}
		case "text":
			result[a] = AttrValue{Present: el.hasText, Value: el.text}
		case "bounds":
			result[a] = AttrValue{Present: el.hasBounds, Value: el.bounds}
		case "enabled":
			result[a] = AttrValue{Present: true, Value: el.enabled}
		case "focused":
			result[a] = AttrValue{Present: true, Value: el.focused}
		default:
			if v, ok := el.attrs[a]; ok {
				result[a] = AttrValue{Present: true, Value: v}
			} else {
				result[a] = AttrValue{Present: false}
			}
		}
	}
	return result, nil
}

func (f *Fake) WriteAttribute(ctx context.Context, handle ElementHandle, attr string, value any) *Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[handle.id]; ok {
		switch attr {
		case "bounds":
			if b, ok := value.(Rect); ok {
				w.bounds = b
				return nil
			}
			return NewError(ErrInvalidHandle, "bad bounds value")
		case "title", "text":
			if s, ok := value.(string); ok {
				w.title = s
				return nil
			}
		case "minimized":
			if b, ok := value.(bool); ok {
				w.minimized = b
				return nil
			}
		case "hidden":
			if b, ok := value.(bool); ok {
				w.hidden = b
				return nil
			}
		case "focused":
			if b, ok := value.(bool); ok {
				w.focused = b
				return nil
			}
		}
		return NewError(ErrNotPermitted, "unsupported attribute write: "+attr)
	}
	if el, ok := f.elements[handle.id]; ok {
		switch attr {
		case "text":
			if s, ok := value.(string); ok {
				el.text = s
				el.hasText = true
				return nil
			}
		case "enabled":
			if b, ok := value.(bool); ok {
				el.enabled = b
				return nil
			}
		}
		return NewError(ErrNotPermitted, "unsupported attribute write: "+attr)
	}
	return NewError(ErrInvalidHandle, "unknown handle")
}

func (f *Fake) PerformAction(ctx context.Context, handle ElementHandle, action string) *Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[handle.id]; ok {
		switch action {
		case "close":
			delete(f.windows, handle.id)
			if app, ok := f.apps[w.pid]; ok {
				app.windowOrder = removeID(app.windowOrder, handle.id)
			}
			return nil
		case "focus":
			return nil // SetFocused is the test-facing mutator; PerformAction mirrors AXRaise
		}
		return nil
	}
	if el, ok := f.elements[handle.id]; ok {
		if action == "press" {
			if !el.enabled {
				return NewError(ErrNotPermitted, "element disabled")
			}
			return nil
		}
		return nil
	}
	return NewError(ErrInvalidHandle, "unknown handle")
}

func removeID(ids []handleID, target handleID) []handleID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (f *Fake) SubscribeNotifications(ctx context.Context, handle any, notifications []string) (Subscription, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{ch: make(chan Notification, 16)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// Notify publishes a notification to every live subscription; used by
// tests to simulate a platform push rather than polling.
func (f *Fake) Notify(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if atomic.LoadInt32(&s.closed) == 0 {
			select {
			case s.ch <- n:
			default:
			}
		}
	}
}

func (f *Fake) SynthesizeInput(ctx context.Context, event InputEvent) *Error {
	return nil
}

func (f *Fake) RunningApplications(ctx context.Context) ([]RunningApp, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunningApp, 0, len(f.apps))
	for _, a := range f.apps {
		out = append(out, RunningApp{PID: a.pid, Bundle: a.bundle, ActivationPolicy: a.activationPolicy, LaunchTime: a.launchTime})
	}
	return out, nil
}

func (f *Fake) EnumerateDisplays(ctx context.Context) ([]DisplayInfo, *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DisplayInfo, len(f.displays))
	copy(out, f.displays)
	return out, nil
}

var _ Adapter = (*Fake)(nil)
