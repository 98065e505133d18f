// Package alarm provides the single-slot wake-up primitive the scheduler
// core is built around: one future timestamp at a time, not a queue.
package alarm

import (
	"sync"
	"time"
)

// Clock is a single mutable wake-up slot.
//
// Arm overwrites any previously armed time. The callback fires no earlier
// than the armed time (late is possible, early is not) and carries no
// arguments: the only contract is "now >= the armed timestamp". Callers must
// not assume how many jobs are due when it fires.
type Clock interface {
	Arm(at time.Time)
	Disarm()
	// Next reports the currently armed time, if any.
	Next() (time.Time, bool)
}

// Timer implements Clock on a time.Timer.
//
// A version counter guards the callback: firings that belong to an
// overwritten or disarmed slot are ignored, so Arm/Disarm races with an
// in-flight timer cannot produce stale wake-ups.
type Timer struct {
	mu    sync.Mutex
	fire  func()
	timer *time.Timer
	at    time.Time
	armed bool
	ver   uint64
}

// NewTimer returns a Timer that invokes fire on its own goroutine whenever
// the armed time is reached.
func NewTimer(fire func()) *Timer {
	return &Timer{fire: fire}
}

func (t *Timer) Arm(at time.Time) {
	t.mu.Lock()
	if t.armed && at.Equal(t.at) {
		// Re-arming with the same timestamp is a no-op.
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		_ = t.timer.Stop()
		t.timer = nil
	}
	t.ver++
	ver := t.ver
	t.at = at
	t.armed = true

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.ver != ver || !t.armed {
			// Slot was overwritten or cleared after this timer was set.
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.timer = nil
		t.mu.Unlock()

		t.fire()
	})
	t.mu.Unlock()
}

func (t *Timer) Disarm() {
	t.mu.Lock()
	if t.timer != nil {
		_ = t.timer.Stop()
		t.timer = nil
	}
	t.ver++
	t.armed = false
	t.at = time.Time{}
	t.mu.Unlock()
}

func (t *Timer) Next() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at, t.armed
}
