// Package corerr implements the canonical error taxonomy of spec.md §7.
// It is the single vocabulary the RPC-translation layer and the external
// tool layer's soft-error payload both consult; nothing above the
// Automation Coordinator boundary should invent its own error shape.
//
// Grounded on the teacher's internal/mcp/errors.go StructuredError: a
// self-describing code, a human message, and a retry hint, generalized
// from the teacher's MCP-specific snake_case codes to the nine kinds
// spec.md §7 names.
package corerr

import (
	"errors"
	"fmt"
)

// Kind is one of the canonical error kinds from spec.md §7.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	NotFound           Kind = "not_found"
	FailedPrecondition Kind = "failed_precondition"
	PermissionDenied   Kind = "permission_denied"
	DeadlineExceeded   Kind = "deadline_exceeded"
	Cancelled          Kind = "cancelled"
	Unavailable        Kind = "unavailable"
	Internal           Kind = "internal"
	Unimplemented      Kind = "unimplemented"
)

// Retryable reports whether a client may safely retry an error of this
// kind without additional corrective action. Mirrors the teacher's
// per-code retryable defaults (RetryDefaultsForCode), generalized to the
// nine kinds.
func (k Kind) Retryable() bool {
	switch k {
	case Unavailable, DeadlineExceeded:
		return true
	default:
		return false
	}
}

// Soft reports whether the external tool layer should translate this
// kind into a soft-error payload (§7) rather than a transport-level
// error, because upstream LLM-driven clients recover from soft errors
// but not transport errors.
func (k Kind) Soft() bool {
	switch k {
	case NotFound, InvalidArgument, FailedPrecondition:
		return true
	default:
		return false
	}
}

// Error is the structured error value that crosses the Automation
// Coordinator boundary. Below the boundary, the OS Adapter never throws;
// errors are carried as values (spec.md §4.1). Above it, Error is what
// gets translated to transport status or soft-error payload.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a diagnostic detail string (e.g. the inputs
// consulted and best score obtained by find_window_handle on failure,
// per spec.md §4.3 step 6) and returns the same error for chaining.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// As extracts an *Error from err, following the standard library
// convention.
func As(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// Internal — an unexpected adapter error, per spec.md §7.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return Internal
}

// IsKind reports whether err's kind equals k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
