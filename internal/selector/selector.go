// Package selector implements the recursive predicate language of
// spec.md §4.9: AND/OR/NOT composition over leaf predicates on an
// element's role, text, attributes, bounds, enabled, and focused fields.
// Matching is total — it never panics and never performs OS queries
// (spec.md §9 "Selector execution"); a field missing from an element
// never matches any predicate other than an explicit "exists" check.
package selector

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/joeycumines/macosuse-core/internal/corerr"
	"github.com/joeycumines/macosuse-core/internal/types"
)

// Field identifies which part of an Element a leaf predicate inspects.
type Field string

const (
	FieldRole      Field = "role"
	FieldText      Field = "text"
	FieldAttribute Field = "attribute"
	FieldBounds    Field = "bounds"
	FieldEnabled   Field = "enabled"
	FieldFocused   Field = "focused"
)

// Op identifies the comparison a leaf predicate applies.
type Op string

const (
	OpEquals         Op = "equals"
	OpContains       Op = "contains"
	OpStartsWith     Op = "starts-with"
	OpRegexMatches   Op = "regex-matches"
	OpInside         Op = "inside"
	OpWithinDistance Op = "within-distance"
	OpExists         Op = "exists"
)

// Selector is a recursive predicate over an Element.
type Selector interface {
	// Match reports whether e satisfies the predicate. Never panics.
	Match(e types.Element) bool
}

// And matches when every member selector matches (empty And matches
// everything, the recursive-predicate identity).
type And []Selector

func (a And) Match(e types.Element) bool {
	for _, s := range a {
		if !s.Match(e) {
			return false
		}
	}
	return true
}

// Or matches when any member selector matches (empty Or matches
// nothing).
type Or []Selector

func (o Or) Match(e types.Element) bool {
	for _, s := range o {
		if s.Match(e) {
			return true
		}
	}
	return false
}

// Not inverts its inner selector.
type Not struct{ Inner Selector }

func (n Not) Match(e types.Element) bool { return !n.Inner.Match(e) }

// Leaf is a single field/op/value predicate.
type Leaf struct {
	Field    Field
	AttrName string // used when Field == FieldAttribute
	Op       Op
	Value    string  // comparison value for string ops; bool text ("true"/"false") for enabled/focused
	Region   types.Bounds // used when Op == OpInside
	Point    types.Point  // used when Op == OpWithinDistance
	Distance float64      // used when Op == OpWithinDistance
}

// Match evaluates the leaf against e. Missing fields match only
// OpExists (evaluated as false) and never match any other op.
func (l Leaf) Match(e types.Element) bool {
	switch l.Field {
	case FieldRole:
		return matchString(l.Op, e.Role, l.Value)
	case FieldText:
		if !e.HasText {
			return l.Op == OpExists && false
		}
		if l.Op == OpExists {
			return true
		}
		return matchString(l.Op, e.Text, l.Value)
	case FieldAttribute:
		v, ok := e.Attributes[l.AttrName]
		if !ok {
			return false
		}
		if l.Op == OpExists {
			return true
		}
		return matchString(l.Op, v, l.Value)
	case FieldBounds:
		if !e.HasBounds {
			return false
		}
		if l.Op == OpExists {
			return true
		}
		switch l.Op {
		case OpInside:
			return insideRegion(e.Bounds, l.Region)
		case OpWithinDistance:
			return withinDistance(e.Bounds, l.Point, l.Distance)
		default:
			return false
		}
	case FieldEnabled:
		if l.Op == OpExists {
			return true
		}
		return matchBool(e.Enabled, l.Value)
	case FieldFocused:
		if l.Op == OpExists {
			return true
		}
		return matchBool(e.Focused, l.Value)
	default:
		return false
	}
}

func matchBool(actual bool, value string) bool {
	want := strings.EqualFold(value, "true")
	return actual == want
}

func matchString(op Op, actual, value string) bool {
	switch op {
	case OpEquals:
		return actual == value
	case OpContains:
		return strings.Contains(actual, value)
	case OpStartsWith:
		return strings.HasPrefix(actual, value)
	case OpRegexMatches:
		re, err := regexp.Compile(value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

func insideRegion(b, region types.Bounds) bool {
	return b.X >= region.X && b.Y >= region.Y &&
		b.X+b.W <= region.X+region.W && b.Y+b.H <= region.Y+region.H
}

func withinDistance(b types.Bounds, p types.Point, maxDist float64) bool {
	cx := b.X + b.W/2
	cy := b.Y + b.H/2
	d := math.Hypot(cx-p.X, cy-p.Y)
	return d <= maxDist
}

// Validate structurally checks a selector tree before it is used,
// surfacing invalid_argument for malformed leaves (spec.md §7) rather
// than failing silently during matching.
func Validate(s Selector) error {
	switch v := s.(type) {
	case nil:
		return corerr.New(corerr.InvalidArgument, "selector is nil")
	case And:
		for _, inner := range v {
			if err := Validate(inner); err != nil {
				return err
			}
		}
		return nil
	case Or:
		for _, inner := range v {
			if err := Validate(inner); err != nil {
				return err
			}
		}
		return nil
	case Not:
		return Validate(v.Inner)
	case Leaf:
		return validateLeaf(v)
	default:
		return corerr.Newf(corerr.InvalidArgument, "unknown selector node type %T", s)
	}
}

func validateLeaf(l Leaf) error {
	switch l.Field {
	case FieldRole, FieldText, FieldAttribute, FieldBounds, FieldEnabled, FieldFocused:
	default:
		return corerr.Newf(corerr.InvalidArgument, "unknown selector field %q", l.Field)
	}
	if l.Field == FieldAttribute && l.AttrName == "" {
		return corerr.New(corerr.InvalidArgument, "attribute selector missing attribute name")
	}
	switch l.Op {
	case OpEquals, OpContains, OpStartsWith, OpExists:
	case OpRegexMatches:
		if _, err := regexp.Compile(l.Value); err != nil {
			return corerr.Wrap(corerr.InvalidArgument, err, "invalid regex in selector")
		}
	case OpInside:
		if l.Field != FieldBounds {
			return corerr.New(corerr.InvalidArgument, "inside operator only applies to the bounds field")
		}
	case OpWithinDistance:
		if l.Field != FieldBounds {
			return corerr.New(corerr.InvalidArgument, "within-distance operator only applies to the bounds field")
		}
		if l.Distance < 0 {
			return corerr.New(corerr.InvalidArgument, "within-distance requires a non-negative distance")
		}
	default:
		return corerr.Newf(corerr.InvalidArgument, "unknown selector op %q", l.Op)
	}
	return nil
}

// String renders a selector for diagnostics and display (e.g. an
// observation's Filter.Selector). Not used for matching.
func String(s Selector) string {
	switch v := s.(type) {
	case And:
		return joinChildren("AND", v)
	case Or:
		return joinChildren("OR", v)
	case Not:
		return fmt.Sprintf("NOT(%s)", String(v.Inner))
	case Leaf:
		if v.Field == FieldAttribute {
			return fmt.Sprintf("attribute(%s) %s %q", v.AttrName, v.Op, v.Value)
		}
		return fmt.Sprintf("%s %s %q", v.Field, v.Op, v.Value)
	default:
		return "?"
	}
}

func joinChildren(op string, children []Selector) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = String(c)
	}
	return fmt.Sprintf("%s(%s)", op, strings.Join(parts, ", "))
}
