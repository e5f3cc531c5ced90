package osadapter

import "github.com/joeycumines/macosuse-core/internal/corerr"

// Translate maps an adapter Error onto the canonical corerr taxonomy
// (spec.md §7), annotating it with op so every caller's detail string
// names what it was attempting. Every subsystem above the OS Adapter
// boundary uses this instead of inventing its own mapping, so the
// invalid_handle -> not_found correspondence (for example) stays
// consistent everywhere a *Error crosses into core error handling.
func Translate(aerr *Error, op string) error {
	var kind corerr.Kind
	switch aerr.Kind {
	case ErrInvalidHandle:
		kind = corerr.NotFound
	case ErrNotPermitted:
		kind = corerr.PermissionDenied
	case ErrNotSupported:
		kind = corerr.Unimplemented
	case ErrTemporary:
		kind = corerr.Unavailable
	default:
		kind = corerr.Internal
	}
	return corerr.Newf(kind, "%s: %s", op, aerr.Detail)
}
