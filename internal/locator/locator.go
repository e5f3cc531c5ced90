// Package locator implements the Element Locator of spec.md §4.6:
// accessibility-tree traversal that returns elements matching a
// selector in a stable, pagination-safe order.
//
// Grounded on the teacher's internal/capture DOM-traversal walker (same
// parent-before-child, cycle-guarded recursive shape, generalized here
// from a browser DOM to an accessibility tree) and bounded with
// golang.org/x/sync/semaphore the way the teacher's internal/hook pool
// bounds concurrent capture sessions, to cap total concurrent traversals
// so the accessibility layer is never starved under load (spec.md §4.6).
package locator

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/osadapter"
	"github.com/joeycumines/macosuse-core/internal/registry"
	"github.com/joeycumines/macosuse-core/internal/selector"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// DefaultMaxDepth bounds recursive descent against pathological or
// cyclic accessibility trees, independent of the visited-set guard.
const DefaultMaxDepth = 64

// batchAttrs are the attributes read in the single batched call that
// step 3 of spec.md §4.6 requires for every visited node.
var batchAttrs = []string{"role", "text", "title", "bounds", "enabled", "focused"}

// Options restricts and configures one Locate call.
type Options struct {
	Selector selector.Selector // nil matches every node
	Region   *types.Bounds     // optional: only elements whose bounds lie inside Region
	MaxDepth int               // 0 means DefaultMaxDepth
}

// Locator traverses an application's accessibility tree and materializes
// matching elements, registering each with a server-minted opaque ID.
type Locator struct {
	adapter  osadapter.Adapter
	elements *registry.Registry[osadapter.ElementHandle]
	sem      *semaphore.Weighted
}

// New constructs a Locator. elements is the shared element registry
// (spec.md §4.2) that materialized Elements are registered into, so a
// later operation RPC addressing elements/{id} can recover the live
// handle. maxConcurrentTraversals bounds how many Locate calls may be
// walking the accessibility layer at once, system-wide.
func New(adapter osadapter.Adapter, elements *registry.Registry[osadapter.ElementHandle], maxConcurrentTraversals int64) *Locator {
	if maxConcurrentTraversals <= 0 {
		maxConcurrentTraversals = 4
	}
	return &Locator{
		adapter:  adapter,
		elements: elements,
		sem:      semaphore.NewWeighted(maxConcurrentTraversals),
	}
}

// Locate traverses pid's accessibility tree rooted at its application
// handle and returns every matching Element in stable deterministic
// order: parent before child, siblings in the order the accessibility
// layer reports them (spec.md §4.6 step 7).
func (l *Locator) Locate(ctx context.Context, pid int, opts Options) ([]types.Element, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, corerr.Wrap(corerr.Cancelled, err, "traversal concurrency limit")
	}
	defer l.sem.Release(1)

	appHandle, aerr := l.adapter.ApplicationHandle(ctx, pid)
	if aerr != nil {
		return nil, osadapter.Translate(aerr, "resolve application handle")
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	attrs := batchAttrs
	if names := attributeNames(opts.Selector); len(names) > 0 {
		attrs = append(append([]string{}, batchAttrs...), names...)
	}

	w := &walker{
		locator: l,
		ctx:     ctx,
		pid:     pid,
		attrs:   attrs,
		opts:    opts,
		visited: make(map[osadapter.ElementHandle]bool),
		out:     nil,
	}

	root := osadapter.ElementHandle(appHandle)
	if err := w.walk(root, nil, 0, maxDepth); err != nil {
		return nil, err
	}
	return w.out, nil
}

type walker struct {
	locator *Locator
	ctx     context.Context
	pid     int
	attrs   []string
	opts    Options
	visited map[osadapter.ElementHandle]bool
	out     []types.Element
}

// walk performs the recursive depth-first traversal of step 2, applying
// the batched read (step 3), visible-only filter (step 4), selector
// filter (step 5), and materialization/registration (step 6) per node,
// before recursing into children so output order satisfies step 7.
func (w *walker) walk(handle osadapter.ElementHandle, path []int, depth, maxDepth int) error {
	if depth > maxDepth {
		return nil
	}
	if w.visited[handle] {
		return nil // cycle guard, keyed by handle identity
	}
	w.visited[handle] = true

	attrVals, aerr := w.locator.adapter.ReadAttributes(w.ctx, handle, w.attrs)
	if aerr != nil {
		return osadapter.Translate(aerr, "batched element attribute read")
	}

	el, hasBounds := elementFromAttrs(path, attrVals)
	el.PID = w.pid

	visible := hasBounds && el.Bounds.W != 0 && el.Bounds.H != 0
	if visible && w.opts.Region != nil && !regionContains(*w.opts.Region, el.Bounds) {
		visible = false
	}

	if visible && (w.opts.Selector == nil || w.opts.Selector.Match(el)) {
		id := uuid.NewString()
		el.ID = id
		el.Name = types.ElementName(id)
		w.locator.elements.Put(el.Name, handle, 0)
		w.out = append(w.out, el)
	}

	children, aerr := w.locator.adapter.Children(w.ctx, handle)
	if aerr != nil {
		if aerr.Kind == osadapter.ErrInvalidHandle {
			return nil // leaf node, nothing more to traverse
		}
		return osadapter.Translate(aerr, "child enumeration")
	}
	for i, child := range children {
		childPath := make([]int, len(path)+1)
		copy(childPath, path)
		childPath[len(path)] = i
		if err := w.walk(child, childPath, depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}

// elementFromAttrs builds a types.Element from one node's batched
// attribute read. hasBounds reports whether a usable bounds value was
// present, which the visible-only filter (step 4) needs to distinguish
// "missing" from "present but zero-sized".
func elementFromAttrs(path []int, attrVals map[string]osadapter.AttrValue) (types.Element, bool) {
	el := types.Element{
		Path:       append([]int{}, path...),
		Attributes: map[string]string{},
	}
	hasBounds := false
	for name, v := range attrVals {
		if !v.Present {
			continue
		}
		switch name {
		case "role":
			if s, ok := v.Value.(string); ok {
				el.Role = s
			}
		case "text", "title":
			// Windows expose their name under "title"; true elements expose
			// it under "text" — a node only ever sets one of the two.
			if s, ok := v.Value.(string); ok && s != "" {
				el.Text = s
				el.HasText = true
			}
		case "bounds":
			if r, ok := v.Value.(osadapter.Rect); ok {
				el.Bounds = types.Bounds{X: r.X, Y: r.Y, W: r.W, H: r.H}
				el.HasBounds = true
				hasBounds = true
			}
		case "enabled":
			if b, ok := v.Value.(bool); ok {
				el.Enabled = b
			}
		case "focused":
			if b, ok := v.Value.(bool); ok {
				el.Focused = b
			}
		default:
			if s, ok := v.Value.(string); ok {
				el.Attributes[name] = s
			}
		}
	}
	return el, hasBounds
}

func regionContains(region, b types.Bounds) bool {
	return b.X >= region.X && b.Y >= region.Y &&
		b.X+b.W <= region.X+region.W && b.Y+b.H <= region.Y+region.H
}

// attributeNames walks sel collecting the attribute names referenced by
// FieldAttribute leaves, so Locate's batched read includes them — a
// selector on a custom attribute must not force a second unbatched read.
func attributeNames(sel selector.Selector) []string {
	var names []string
	var walk func(selector.Selector)
	walk = func(s selector.Selector) {
		switch v := s.(type) {
		case selector.And:
			for _, inner := range v {
				walk(inner)
			}
		case selector.Or:
			for _, inner := range v {
				walk(inner)
			}
		case selector.Not:
			walk(v.Inner)
		case selector.Leaf:
			if v.Field == selector.FieldAttribute && v.AttrName != "" {
				names = append(names, v.AttrName)
			}
		}
	}
	if sel != nil {
		walk(sel)
	}
	return names
}

