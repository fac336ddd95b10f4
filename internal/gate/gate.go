// Package gate implements a fire-once timeout guard. A Gate arbitrates
// between a deadline and a competing completion: exactly one of them wins.
package gate

import (
	"sync/atomic"
	"time"

	"github.com/1ureka/rudp/internal/clock"
)

// State is the lifecycle state of a Gate.
type State int32

const (
	Active    State = iota // Neither the deadline nor a completion has happened
	Fired                  // The deadline callback ran
	Dismissed              // A completion entered the gate, or Dismiss was called
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Fired:
		return "fired"
	case Dismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Gate guards a timeout callback.
type Gate struct {
	state atomic.Int32
	timer clock.Timer
}

// New arms a Gate that calls fn after d unless it is dismissed or entered
// first.
func New(c clock.Clock, d time.Duration, fn func()) *Gate {
	g := &Gate{}
	g.timer = c.AfterFunc(d, func() {
		if g.state.CompareAndSwap(int32(Active), int32(Fired)) {
			fn()
		}
	})
	return g
}

// Dismiss cancels the timeout without running the callback. It has no effect
// once the gate is no longer active.
func (g *Gate) Dismiss() {
	if g.state.CompareAndSwap(int32(Active), int32(Dismissed)) {
		g.timer.Stop()
	}
}

// Enter claims the gate for a completion. It reports true, and dismisses the
// timeout, only for the first caller while the gate is still active.
func (g *Gate) Enter() bool {
	if !g.state.CompareAndSwap(int32(Active), int32(Dismissed)) {
		return false
	}
	g.timer.Stop()
	return true
}

// Active reports whether neither outcome has happened yet.
func (g *Gate) Active() bool {
	return g.State() == Active
}

// State returns the current state.
func (g *Gate) State() State {
	return State(g.state.Load())
}
