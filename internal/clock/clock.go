// Package clock abstracts time so timer-driven decisions can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Clock is the source of time and timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Handle owns at most one pending timer. Arming replaces whatever was
// armed before, and a callback runs only if its timer is still the armed
// one when it fires. Firing and cancelling both clear the handle, so a
// timer that lost to Cancel can never run its callback.
type Handle struct {
	clock Clock

	mu    sync.Mutex
	gen   uint64
	timer Timer
}

// NewHandle returns an empty handle backed by c.
func NewHandle(c Clock) *Handle {
	if c == nil {
		c = Real()
	}
	return &Handle{clock: c}
}

// Arm schedules f after d, cancelling any previously armed timer.
func (h *Handle) Arm(d time.Duration, f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	h.gen++
	gen := h.gen
	h.timer = h.clock.AfterFunc(d, func() {
		if h.claim(gen) {
			f()
		}
	})
}

func (h *Handle) claim(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil || h.gen != gen {
		return false
	}
	h.timer = nil
	return true
}

// Cancel disarms the pending timer and reports whether one was pending.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil {
		return false
	}
	h.timer.Stop()
	h.timer = nil
	h.gen++
	return true
}

// Pending reports whether a timer is armed and has not fired.
func (h *Handle) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer != nil
}
