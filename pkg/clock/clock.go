// Package clock abstracts time reads and timers so deadline logic can be
// driven deterministically in tests.
package clock

import "time"

// Clock provides the current time and timer channels.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// System is a Clock backed by the real time package.
type System struct{}

// NewSystem creates a system clock.
func NewSystem() System {
	return System{}
}

// Now implements Clock.Now via time.Now.
func (System) Now() time.Time {
	return time.Now()
}

// After implements Clock.After via time.After.
func (System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
