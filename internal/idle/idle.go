// Package idle tracks when the runtime last did user-visible work, so
// the Maintenance Loop can back off while the operator is actively
// interacting with the system.
package idle

import (
	"sync/atomic"
	"time"
)

// Tracker is a lock-free last-activity clock. The zero value is not
// ready for use; construct with New.
type Tracker struct {
	lastActivityMs atomic.Int64
}

// New returns a Tracker whose last activity is now.
func New() *Tracker {
	t := &Tracker{}
	t.Touch()
	return t
}

// Touch records the current time as the last activity.
func (t *Tracker) Touch() {
	t.lastActivityMs.Store(time.Now().UnixMilli())
}

// IdleDuration returns how long it has been since the last Touch.
func (t *Tracker) IdleDuration() time.Duration {
	last := t.lastActivityMs.Load()
	now := time.Now().UnixMilli()
	if now < last {
		return 0
	}
	return time.Duration(now-last) * time.Millisecond
}

// LastActivityMs returns the raw last-activity timestamp.
func (t *Tracker) LastActivityMs() int64 {
	return t.lastActivityMs.Load()
}
