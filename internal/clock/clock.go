// Package clock abstracts the timer service so retransmission and handshake
// timing can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped a timer
	// that had not yet fired.
	Stop() bool
}

// Clock schedules callbacks. Callbacks run on an arbitrary goroutine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns the wall clock backed by package time.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ---------------------------------------------------------------------------
// Repeating timers
// ---------------------------------------------------------------------------

type repeater struct {
	c Clock
	d time.Duration
	f func()

	mu      sync.Mutex
	t       Timer
	stopped bool
}

// Repeat calls f every d until the returned Timer is stopped.
func Repeat(c Clock, d time.Duration, f func()) Timer {
	r := &repeater{c: c, d: d, f: f}
	r.mu.Lock()
	r.t = c.AfterFunc(d, r.fire)
	r.mu.Unlock()
	return r
}

func (r *repeater) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.t = r.c.AfterFunc(r.d, r.fire)
	r.mu.Unlock()

	r.f()
}

func (r *repeater) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	r.t.Stop()
	return true
}
