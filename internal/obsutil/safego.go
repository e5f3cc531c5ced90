// Package obsutil holds small cross-cutting helpers shared by every
// subsystem that launches background work: the registry eviction loop,
// observation tasks, and the coordinator's long-running operations.
package obsutil

import (
	"runtime/debug"

	"github.com/joeycumines/macosuse-core/internal/corelog"
)

// SafeGo launches fn in a goroutine with deferred panic recovery. A panic
// in one observation task or eviction sweep must not take the process
// down; it is logged and the goroutine exits.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				corelog.Std().WithField("stack", string(debug.Stack())).
					Errorf("panic in background goroutine: %v", r)
			}
		}()
		fn()
	}()
}
