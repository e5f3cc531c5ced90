// Package osadapter is the narrow façade of spec.md §4.1: the only
// component permitted to call platform APIs directly, and the only
// component permitted to hold opaque, non-portable handles. Every other
// subsystem in this module talks to the OS exclusively through the
// Adapter interface.
//
// The concrete macOS implementation (AXUIElement / CGWindow / Carbon
// event synthesis bindings) is an out-of-scope external collaborator
// per spec.md §1 — it is injected at binary-assembly time by whatever
// wires this module into a running daemon. What lives here is the
// interface contract plus an in-memory Fake used by every test in this
// module and by cmd/automationd's demo mode.
package osadapter

import "context"

// ErrorKind is the OS Adapter's own small failure vocabulary
// (spec.md §4.1), distinct from and narrower than the nine
// corerr.Kind values the Automation Coordinator surfaces — the
// coordinator is responsible for translating an AdapterError into the
// richer taxonomy given the operation it was attempting.
type ErrorKind string

const (
	ErrInvalidHandle ErrorKind = "invalid_handle"
	ErrNotPermitted  ErrorKind = "not_permitted"
	ErrNotSupported  ErrorKind = "not_supported"
	ErrTemporary     ErrorKind = "temporary"
	ErrFatal         ErrorKind = "fatal"
)

// Error is the structured value every OS call returns on failure. The
// adapter never panics and never returns a bare error interface value
// from a different vocabulary.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Detail }

// NewError constructs an adapter Error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// AttrValue is the result of reading one attribute: either a present
// value or an explicit "missing" marker, since spec.md §4.1 requires
// read_attributes to report per-attribute presence rather than erroring
// the whole batch when one attribute is absent on a given handle.
type AttrValue struct {
	Present bool
	Value   any
}

// WindowSnapshotEntry is one entry of the point-in-time enumeration
// returned by EnumerateWindows. Callers must treat the whole snapshot as
// potentially lagging live accessibility state by up to ~100ms
// (spec.md §4.3).
type WindowSnapshotEntry struct {
	WID         string
	OwnerPID    int
	ZOrderLayer int
	Bounds      Rect
	OnScreen    bool
	Title       string
	HasTitle    bool
	OwnerBundle string
	HasBundle   bool
}

// Rect mirrors types.Bounds without importing the types package, so the
// adapter boundary has zero dependency on the core's resource model —
// only the reconciler/locator translate between the two.
type Rect struct {
	X, Y, W, H float64
}

// RunningApp is one entry of RunningApplications().
type RunningApp struct {
	PID              int
	Bundle           string
	ActivationPolicy string
	LaunchTime       int64 // unix seconds
}

// DisplayInfo is one entry of EnumerateDisplays, mirroring types.Display
// without importing the types package (same zero-dependency rule as
// Rect).
type DisplayInfo struct {
	ID           string
	Frame        Rect
	VisibleFrame Rect
	Main         bool
	ScaleFactor  float64
}

// InputEvent describes one synthesized input (spec.md §4.10).
type InputEvent struct {
	Kind   string
	Target WindowHandle // zero value for desktop-scoped input (no target window)
	X, Y   float64
	DX, DY float64
	Text   string
	Key    string
	Modifiers []string
}

// Subscription represents a live OS notification subscription returned
// by SubscribeNotifications. Callers read from Events until Close is
// called or the channel closes.
type Subscription interface {
	Events() <-chan Notification
	Close()
}

// Notification is one OS-level change notification.
type Notification struct {
	Name   string
	Handle any // ApplicationHandle or WindowHandle or ElementHandle, depending on what was subscribed
}

// Adapter is the narrow platform façade of spec.md §4.1. Every method
// returns either a value or a structured *Error; it never panics, never
// sleeps, and never calls back into the core.
type Adapter interface {
	// EnumerateWindows returns a point-in-time window-server snapshot.
	EnumerateWindows(ctx context.Context) ([]WindowSnapshotEntry, *Error)

	// ApplicationHandle returns a cheap opaque handle for pid.
	ApplicationHandle(ctx context.Context, pid int) (ApplicationHandle, *Error)

	// WindowHandles returns the live accessibility window handles
	// belonging to an application.
	WindowHandles(ctx context.Context, app ApplicationHandle) ([]WindowHandle, *Error)

	// Children returns the live accessibility child handles of handle
	// (used by traversal and by the minimized/hidden-window fallback
	// search of spec.md §4.3 step 5).
	Children(ctx context.Context, handle ElementHandle) ([]ElementHandle, *Error)

	// DirectWindowID performs a direct handle->window-id query where the
	// platform exposes one (spec.md §4.3 step 3). ok is false when the
	// platform has no such primitive for this handle.
	DirectWindowID(ctx context.Context, handle WindowHandle) (wid string, ok bool, err *Error)

	// ReadAttributes performs one batched read of N attributes from a
	// single handle. Unbatched reads for more than one attribute from
	// the same handle are forbidden in any hot path (spec.md §4.1,
	// §4.6) — this is the only read primitive any caller may use.
	ReadAttributes(ctx context.Context, handle ElementHandle, attrs []string) (map[string]AttrValue, *Error)

	// WriteAttribute writes a single attribute value.
	WriteAttribute(ctx context.Context, handle ElementHandle, attr string, value any) *Error

	// PerformAction invokes a named accessibility action (e.g. "press").
	PerformAction(ctx context.Context, handle ElementHandle, action string) *Error

	// SubscribeNotifications subscribes to OS-level change notifications
	// for handle where the platform supports it; returns ErrNotSupported
	// otherwise, in which case the caller falls back to polling.
	SubscribeNotifications(ctx context.Context, handle any, notifications []string) (Subscription, *Error)

	// SynthesizeInput submits event asynchronously, returning once the OS
	// has accepted it — not once the UI has reacted.
	SynthesizeInput(ctx context.Context, event InputEvent) *Error

	// RunningApplications enumerates currently running processes.
	RunningApplications(ctx context.Context) ([]RunningApp, *Error)

	// EnumerateDisplays returns a point-in-time enumeration of attached
	// displays, the coordinate-system authority spec.md §6 references
	// for interpreting window/element Bounds.
	EnumerateDisplays(ctx context.Context) ([]DisplayInfo, *Error)
}

// ApplicationHandle, WindowHandle, and ElementHandle are distinct opaque
// handle types so the type system catches a caller passing a window
// handle where an element handle is expected, even though all three
// share the same non-portable identity discipline underneath.

type ApplicationHandle struct{ id handleID }
type WindowHandle struct{ id handleID }
type ElementHandle struct{ id handleID }

// handleID is the non-portable identity token. It is never constructed
// outside this package; every Fake.mint call is the only minting site,
// which is what spec.md §9 ("never synthesize a handle") is enforcing in
// this Go rendering: nothing outside osadapter can construct one from
// indirect data such as bounds.
type handleID uint64

func (h ApplicationHandle) IsZero() bool { return h.id == 0 }
func (h WindowHandle) IsZero() bool      { return h.id == 0 }
func (h ElementHandle) IsZero() bool     { return h.id == 0 }

// Equal delegates to the platform-provided identity function — here,
// simple integer equality, standing in for e.g. CFEqual(AXUIElementRef).
func (h ApplicationHandle) Equal(o ApplicationHandle) bool { return h.id == o.id }
func (h WindowHandle) Equal(o WindowHandle) bool           { return h.id == o.id }
func (h ElementHandle) Equal(o ElementHandle) bool         { return h.id == o.id }
