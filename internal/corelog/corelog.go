// Package corelog wraps a logrus.Logger with the field names every
// subsystem uses, so a log line from the Window Reconciler and one from
// the Observation Manager read consistently. It plays the role the
// teacher fills with fmt.Fprintf(os.Stderr, "[gasoline] ...") calls, but
// structured rather than prefix-string based.
package corelog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Field names used consistently across the core.
const (
	FieldPID      = "pid"
	FieldWID      = "wid"
	FieldHandle   = "handle"
	FieldOp       = "op"
	FieldResource = "resource"
	FieldKind     = "kind"
)

var (
	mu  sync.RWMutex
	std = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Std returns the process-wide logger. Tests may call SetStd to inject a
// logger writing to a buffer.
func Std() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// SetStd replaces the process-wide logger. Intended for tests and for
// the example binary wiring a configured logrus.Logger.
func SetStd(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	std = l
}

// ForResource returns an entry pre-populated with the resource name, the
// convention every registry and coordinator log line follows.
func ForResource(resource string) *logrus.Entry {
	return Std().WithField(FieldResource, resource)
}
