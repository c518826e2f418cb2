// Package clock abstracts wall-clock time so the send loop and the drain
// window can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by the harness.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to the standard library for production use.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After relays to time.After for real scheduling.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since returns the time elapsed on c since t, never negative.
func Since(c Clock, t time.Time) time.Duration {
	d := c.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// Remaining returns how much of total is left after elapsed, never negative.
func Remaining(total, elapsed time.Duration) time.Duration {
	if elapsed >= total {
		return 0
	}
	return total - elapsed
}
