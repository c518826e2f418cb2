package clock

import (
	"sync"
	"time"
)

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// FakeClock is a manually driven Clock. Timers created with After fire when
// Advance moves the clock past their deadline, or unconditionally on Fire.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []fakeTimer
	pending int
	changed chan struct{}
}

// NewFakeClock returns a fake clock starting at the Unix epoch.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(time.Unix(0, 0).UTC())
}

// NewFakeClockAt returns a fake clock starting at start.
func NewFakeClockAt(start time.Time) *FakeClock {
	return &FakeClock{now: start, changed: make(chan struct{})}
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a timer that fires d after the current fake time.
// Non-positive durations fire immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if d <= 0 {
		ch <- f.now
		return ch
	}
	if f.pending > 0 {
		f.pending--
		ch <- f.now
		return ch
	}
	f.timers = append(f.timers, fakeTimer{deadline: f.now.Add(d), ch: ch})
	f.notifyLocked()
	return ch
}

// Fire delivers the current time to every outstanding timer regardless of its
// deadline. With no timers outstanding the tick is kept and handed to the next
// After call.
func (f *FakeClock) Fire() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.timers) == 0 {
		f.pending++
		return
	}
	for _, t := range f.timers {
		t.ch <- f.now
	}
	f.timers = nil
	f.notifyLocked()
}

// Advance moves the fake time forward and fires every timer whose deadline
// has been reached.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	kept := f.timers[:0]
	for _, t := range f.timers {
		if !t.deadline.After(f.now) {
			t.ch <- f.now
			continue
		}
		kept = append(kept, t)
	}
	f.timers = kept
	f.notifyLocked()
}

// Waiters reports the number of outstanding timers.
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// BlockUntil waits until at least n timers are outstanding or the timeout
// elapses in real time. It reports whether the condition was met.
func (f *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		if len(f.timers) >= n {
			f.mu.Unlock()
			return true
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// notifyLocked wakes BlockUntil callers. Must hold f.mu.
func (f *FakeClock) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
