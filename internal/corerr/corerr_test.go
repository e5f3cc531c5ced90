package corerr

import (
	"errors"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind Kind
		want bool
	}{
		{"unavailable is retryable", Unavailable, true},
		{"deadline exceeded is retryable", DeadlineExceeded, true},
		{"not found is not retryable", NotFound, false},
		{"internal is not retryable", Internal, false},
		{"cancelled is not retryable", Cancelled, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.kind.Retryable(); got != tc.want {
				t.Errorf("Retryable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKindSoft(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind Kind
		want bool
	}{
		{"not found is soft", NotFound, true},
		{"invalid argument is soft", InvalidArgument, true},
		{"failed precondition is soft", FailedPrecondition, true},
		{"permission denied is not soft", PermissionDenied, false},
		{"internal is not soft", Internal, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.kind.Soft(); got != tc.want {
				t.Errorf("Soft() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("handle gone")
	wrapped := Wrap(NotFound, cause, "window not found")

	if !errors.Is(wrapped, cause) {
		t.Errorf("errors.Is(wrapped, cause) = false, want true")
	}
	if got, ok := As(wrapped); !ok || got.Kind != NotFound {
		t.Errorf("As(wrapped) = %v, %v; want kind %v", got, ok, NotFound)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	if KindOf(nil) != "" {
		t.Errorf("KindOf(nil) should be empty")
	}
	if KindOf(errors.New("boom")) != Internal {
		t.Errorf("KindOf(plain error) should default to Internal")
	}
	if KindOf(New(DeadlineExceeded, "timed out")) != DeadlineExceeded {
		t.Errorf("KindOf(*Error) should return its Kind")
	}
}

func TestWithDetail(t *testing.T) {
	t.Parallel()
	err := New(NotFound, "window not found").WithDetail("consulted snapshot wid=42, best score=87.5")
	if err.Detail == "" {
		t.Errorf("expected detail to be set")
	}
	if got := err.Error(); got == "" {
		t.Errorf("Error() should not be empty")
	}
}
