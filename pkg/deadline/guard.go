// Package deadline provides the timeout guard that bounds the leader's wait
// for barrier completion.
package deadline

import (
	"time"

	"github.com/Sumatoshi-tech/quiesce/pkg/clock"
)

// Guard tracks a single deadline against an injected clock. Expired and
// Remaining are cheap, non-blocking reads suitable for a poll loop.
type Guard struct {
	clk      clock.Clock
	deadline time.Time
	started  bool
}

// NewGuard creates a guard with no deadline set.
func NewGuard(clk clock.Clock) *Guard {
	return &Guard{clk: clk}
}

// Start captures the deadline as now + d. Calling Start again rearms the guard.
func (g *Guard) Start(d time.Duration) {
	g.deadline = g.clk.Now().Add(d)
	g.started = true
}

// Started reports whether Start has been called.
func (g *Guard) Started() bool {
	return g.started
}

// Expired reports whether the deadline has passed. A guard that was never
// started has not expired.
func (g *Guard) Expired() bool {
	if !g.started {
		return false
	}

	return g.clk.Now().After(g.deadline)
}

// Remaining returns the time left until the deadline, clamped to zero.
func (g *Guard) Remaining() time.Duration {
	if !g.started {
		return 0
	}

	rem := g.deadline.Sub(g.clk.Now())
	if rem < 0 {
		return 0
	}

	return rem
}
