package stats

import (
	"sync"

	"longhaul-telemetry/internal/metrics"
)

// EventLog is an append-only ordered sequence that is safe for concurrent
// writers. With a positive capacity, appends beyond it are dropped and counted.
type EventLog[T any] struct {
	name       string
	maxEntries int

	mu      sync.Mutex
	entries []T
	dropped uint64
}

// NewEventLog returns an empty log. name labels drop metrics; maxEntries <= 0
// means unbounded.
func NewEventLog[T any](name string, maxEntries int) *EventLog[T] {
	return &EventLog[T]{name: name, maxEntries: maxEntries}
}

// Append adds event at the tail. It reports false when the log is full and the
// event was dropped.
func (l *EventLog[T]) Append(event T) bool {
	l.mu.Lock()
	if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
		l.dropped++
		l.mu.Unlock()
		metrics.RecordEventDropped(l.name)
		return false
	}
	l.entries = append(l.entries, event)
	l.mu.Unlock()
	return true
}

// Snapshot returns a copy of the entries at one point in time.
func (l *EventLog[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]T, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *EventLog[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped returns how many appends were rejected for capacity.
func (l *EventLog[T]) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
