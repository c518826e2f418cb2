// Package stats holds the shared run state of a long-haul test. The
// Aggregator is the single synchronization point for every transport callback
// and reduces the recorded history into a RunReport.
package stats

import (
	"sync"
	"time"

	"longhaul-telemetry/internal/clock"
	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/telemetry"
)

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source used for timestamps and latencies.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithMaxEvents caps the status, receive and violation logs. Zero keeps them
// unbounded. Send records are never capped.
func WithMaxEvents(n int) Option {
	return func(a *Aggregator) {
		a.maxEvents = n
	}
}

// WithRunID stamps reports with the run identifier.
func WithRunID(id string) Option {
	return func(a *Aggregator) {
		a.runID = id
	}
}

// Aggregator accumulates connection status events, send records and receive
// records for one run. All methods are safe for concurrent use.
type Aggregator struct {
	clock     clock.Clock
	maxEvents int
	runID     string
	startedAt time.Time

	statuses   *EventLog[ConnectionStatusEvent]
	receives   *EventLog[ReceiveRecord]
	violations *EventLog[error]

	mu                sync.Mutex
	currentStatus     telemetry.ConnectionStatus
	currentReason     telemetry.StatusReason
	lastStatusAt      time.Time
	sends             map[telemetry.TrackingID]*SendRecord
	order             []telemetry.TrackingID
	messageIDs        map[string]struct{}
	pending           int
	doubleCompletions int
	dispatchFailures  int
	fatal             bool
	drainWaiters      []chan struct{}
}

// NewAggregator returns an empty aggregator whose run starts now. MarkStarted
// moves the start once the send loop actually begins.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		clock:      clock.RealClock{},
		sends:      make(map[telemetry.TrackingID]*SendRecord),
		messageIDs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.statuses = NewEventLog[ConnectionStatusEvent]("status", a.maxEvents)
	a.receives = NewEventLog[ReceiveRecord]("receive", a.maxEvents)
	a.violations = NewEventLog[error]("violation", a.maxEvents)
	a.startedAt = a.clock.Now()
	return a
}

// StartedAt returns the start of the run.
func (a *Aggregator) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

// MarkStarted sets the start of the run reported by Reduce.
func (a *Aggregator) MarkStarted(at time.Time) {
	a.mu.Lock()
	a.startedAt = at
	a.mu.Unlock()
}

// RecordConnectionStatus appends a status event whose previous fields are the
// last recorded status and reason. Timestamps never go backwards.
func (a *Aggregator) RecordConnectionStatus(status telemetry.ConnectionStatus, reason telemetry.StatusReason) {
	a.mu.Lock()
	now := a.clock.Now()
	if now.Before(a.lastStatusAt) {
		now = a.lastStatusAt
	}
	event := ConnectionStatusEvent{
		Timestamp:      now,
		PreviousStatus: a.currentStatus,
		PreviousReason: a.currentReason,
		CurrentStatus:  status,
		CurrentReason:  reason,
	}
	a.currentStatus = status
	a.currentReason = reason
	a.lastStatusAt = now
	a.statuses.Append(event)
	a.mu.Unlock()

	metrics.RecordStatusTransition(status.String(), reason.String(), status == telemetry.StatusAuthenticated)
}

// CurrentStatus returns the most recently recorded status and reason.
func (a *Aggregator) CurrentStatus() (telemetry.ConnectionStatus, telemetry.StatusReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStatus, a.currentReason
}

// BeginSend registers a pending send. A reused id is a fatal violation and
// leaves the existing record untouched.
func (a *Aggregator) BeginSend(id telemetry.TrackingID, messageID string) error {
	a.mu.Lock()
	if _, exists := a.sends[id]; exists {
		err := a.violationLocked(id, ErrDuplicateTrackingID)
		a.mu.Unlock()
		return err
	}

	a.sends[id] = &SendRecord{
		TrackingID: id,
		MessageID:  messageID,
		TimeSent:   a.clock.Now(),
		Outcome:    OutcomePending,
	}
	a.order = append(a.order, id)
	if messageID != "" {
		a.messageIDs[messageID] = struct{}{}
	}
	a.pending++
	a.mu.Unlock()

	metrics.RecordSendStarted()
	return nil
}

// CompleteSend resolves a pending send with the transport's confirmation.
// OK resolves as ok; every other result resolves as failed.
func (a *Aggregator) CompleteSend(id telemetry.TrackingID, result telemetry.ConfirmationResult) error {
	metrics.RecordConfirmation(result.String())

	outcome := OutcomeFailed
	if result == telemetry.ConfirmationOK {
		outcome = OutcomeOK
	}
	latency, err := a.complete(id, outcome, result.String())
	if err != nil {
		return err
	}

	metrics.RecordSendResolved(outcome.String(), latency)
	return nil
}

// FailSend resolves a pending send that never reached the transport.
func (a *Aggregator) FailSend(id telemetry.TrackingID) error {
	if _, err := a.complete(id, OutcomeFailed, ResultDispatchError); err != nil {
		return err
	}

	metrics.RecordSendResolved(OutcomeFailed.String(), -1)
	return nil
}

func (a *Aggregator) complete(id telemetry.TrackingID, outcome Outcome, result string) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.sends[id]
	if !ok {
		return 0, a.violationLocked(id, ErrUnknownTrackingID)
	}
	if record.Resolved() {
		a.doubleCompletions++
		return 0, a.violationLocked(id, ErrDoubleCompletion)
	}

	now := a.clock.Now()
	record.TimeConfirmed = now
	record.Outcome = outcome
	record.Result = result
	record.Latency = now.Sub(record.TimeSent)
	if record.Latency < 0 {
		record.Latency = 0
	}

	if result == ResultDispatchError {
		a.dispatchFailures++
	}

	a.pending--
	if a.pending == 0 {
		a.releaseDrainWaitersLocked()
	}
	return record.Latency, nil
}

// violationLocked records err for id. Must hold a.mu.
func (a *Aggregator) violationLocked(id telemetry.TrackingID, sentinel error) error {
	err := &TrackingError{ID: id, Err: sentinel}
	if IsFatal(err) {
		a.fatal = true
	}
	a.violations.Append(err)
	metrics.RecordTrackingViolation(violationKind(err))
	return err
}

// RecordReceive appends an inbound message record. It never fails; a full log
// drops the record and counts the drop.
func (a *Aggregator) RecordReceive(rec ReceiveRecord) {
	a.mu.Lock()
	a.receives.Append(rec)
	a.mu.Unlock()

	metrics.RecordReceive(rec.Disposition.String(), rec.Size)
}

// Pending returns the number of unresolved sends.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Drained returns a channel that is closed once no send is pending. A send
// begun after the channel was closed does not reopen it.
func (a *Aggregator) Drained() <-chan struct{} {
	ch := make(chan struct{})

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == 0 {
		close(ch)
		return ch
	}
	a.drainWaiters = append(a.drainWaiters, ch)
	return ch
}

func (a *Aggregator) releaseDrainWaitersLocked() {
	for _, ch := range a.drainWaiters {
		close(ch)
	}
	a.drainWaiters = nil
}

// Violations returns every recorded bookkeeping violation in order.
func (a *Aggregator) Violations() []error {
	return a.violations.Snapshot()
}

// Valid reports whether no fatal violation has been recorded.
func (a *Aggregator) Valid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.fatal
}

// Send returns a copy of the record for id.
func (a *Aggregator) Send(id telemetry.TrackingID) (SendRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.sends[id]
	if !ok {
		return SendRecord{}, false
	}
	return *record, true
}

// Sends returns copies of all send records in the order they were begun.
func (a *Aggregator) Sends() []SendRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]SendRecord, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.sends[id])
	}
	return out
}

// Reduce summarises the current state. It has no side effects and can be
// called while the run is still in progress. State and abort reason are left
// for the caller that owns the loop.
func (a *Aggregator) Reduce() RunReport {
	a.mu.Lock()
	now := a.clock.Now()
	report := RunReport{
		RunID:             a.runID,
		Valid:             !a.fatal,
		StartedAt:         a.startedAt,
		EndedAt:           now,
		Duration:          Duration(clock.Since(a.clock, a.startedAt)),
		SendsAttempted:    len(a.order),
		DoubleCompletions: a.doubleCompletions,
		DispatchFailures:  a.dispatchFailures,
		CurrentStatus:     StatusSnapshot{Status: a.currentStatus, Reason: a.currentReason},
		Results:           make(map[string]int),
	}

	samples := make([]time.Duration, 0, len(a.order))
	for _, id := range a.order {
		record := a.sends[id]
		switch record.Outcome {
		case OutcomeOK:
			report.ConfirmedOK++
		case OutcomeFailed:
			report.ConfirmedFailed++
		default:
			report.Pending++
			continue
		}
		report.Results[record.Result]++
		if record.Result != ResultDispatchError {
			samples = append(samples, record.Latency)
		}
	}

	// The logs take their own locks; holding a.mu keeps them and the counters
	// above on the same cut.
	report.Timeline = a.statuses.Snapshot()
	receives := a.receives.Snapshot()
	violations := a.violations.Snapshot()
	report.Dropped = int(a.statuses.Dropped() + a.receives.Dropped() + a.violations.Dropped())

	report.Receives = len(receives)
	if len(receives) > 0 {
		report.ReceiveDispositions = make(map[string]int)
	}
	for _, rec := range receives {
		report.ReceiveDispositions[rec.Disposition.String()]++
		if rec.CorrelationID == "" {
			continue
		}
		if _, ok := a.messageIDs[rec.CorrelationID]; ok {
			report.CorrelatedReceives++
		}
	}
	a.mu.Unlock()

	report.ConnectionTransitions = len(report.Timeline)
	report.Latency = computeLatency(samples)

	for _, err := range violations {
		report.Violations = append(report.Violations, err.Error())
	}

	return report
}
