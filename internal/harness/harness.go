// Package harness runs a long-haul telemetry test: a time-bounded send loop,
// the correlation of asynchronous transport callbacks with the sends they
// belong to, a bounded drain window and the final verdict.
package harness

import (
	"context"
	"log"
	"time"

	"longhaul-telemetry/internal/clock"
	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/stats"
	"longhaul-telemetry/internal/telemetry"

	"github.com/google/uuid"
)

// DefaultDrainTimeout bounds the wait for late confirmations after the loop ends.
const DefaultDrainTimeout = 30 * time.Second

// Option customises a Harness.
type Option func(*Harness)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(h *Harness) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithBuilder overrides the payload builder.
func WithBuilder(b PayloadBuilder) Option {
	return func(h *Harness) {
		if b != nil {
			h.builder = b
		}
	}
}

// WithDrainTimeout sets how long Run waits for pending confirmations.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Harness) {
		if d >= 0 {
			h.drainTimeout = d
		}
	}
}

// WithStopPayload sets the inbound body that stops the run. Empty disables it.
func WithStopPayload(payload string) Option {
	return func(h *Harness) {
		h.stopPayload = payload
	}
}

// WithMaxEvents caps the aggregator's event logs.
func WithMaxEvents(n int) Option {
	return func(h *Harness) {
		h.maxEvents = n
	}
}

// WithRunID sets the run identifier. A random UUID is used otherwise.
func WithRunID(id string) Option {
	return func(h *Harness) {
		if id != "" {
			h.runID = id
		}
	}
}

// Harness owns the state of one run. It is single use.
type Harness struct {
	transport    Transport
	clock        clock.Clock
	builder      PayloadBuilder
	drainTimeout time.Duration
	stopPayload  string
	maxEvents    int
	runID        string

	agg        *stats.Aggregator
	loop       *Loop
	correlator *Correlator
}

// New creates a harness and registers its callbacks on transport.
func New(transport Transport, opts ...Option) *Harness {
	h := &Harness{
		transport:    transport,
		clock:        clock.RealClock{},
		drainTimeout: DefaultDrainTimeout,
		stopPayload:  DefaultStopPayload,
		runID:        uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.builder == nil {
		h.builder = telemetry.NewBuilder("longhaul", telemetry.WithRunID(h.runID))
	}

	h.agg = stats.NewAggregator(
		stats.WithClock(h.clock),
		stats.WithMaxEvents(h.maxEvents),
		stats.WithRunID(h.runID),
	)
	h.loop = NewLoop(transport, h.builder, h.agg, h.clock)
	h.correlator = NewCorrelator(h.agg, h.loop, h.clock, h.stopPayload)

	transport.SetConfirmationHandler(h.correlator.OnConfirmation)
	transport.SetConnectionStatusHandler(h.correlator.OnConnectionStatus)
	transport.SetMessageHandler(h.correlator.OnReceive)
	return h
}

// RunID returns the identifier stamped on the report.
func (h *Harness) RunID() string {
	return h.runID
}

// Abort stops the run early. See Loop.Abort.
func (h *Harness) Abort(reason AbortReason) bool {
	return h.loop.Abort(reason)
}

// State returns the loop state.
func (h *Harness) State() State {
	return h.loop.State()
}

// Run executes the send loop, waits for the drain window and returns the
// final report. The error is non-nil only when the run could not start.
func (h *Harness) Run(ctx context.Context, duration, interval time.Duration) (stats.RunReport, error) {
	log.Printf("harness: run %s starting", h.runID)

	if err := h.loop.Run(ctx, duration, interval); err != nil {
		return stats.RunReport{}, err
	}

	h.drain(ctx)

	report := h.Progress()
	metrics.RecordRunFinished(report.State, time.Duration(report.Duration))
	log.Printf("harness: run %s %s: sent=%d ok=%d failed=%d pending=%d valid=%t",
		h.runID, report.State, report.SendsAttempted, report.ConfirmedOK,
		report.ConfirmedFailed, report.Pending, report.Valid)
	return report, nil
}

// Progress reduces the current state into a report. It is safe to call while
// Run is in progress.
func (h *Harness) Progress() stats.RunReport {
	report := h.agg.Reduce()
	report.State = h.loop.State().String()
	report.AbortReason = string(h.loop.AbortReason())
	return report
}

// drain waits until no send is pending, the drain timeout expires or ctx is
// done, whichever comes first.
func (h *Harness) drain(ctx context.Context) {
	pending := h.agg.Pending()
	if pending == 0 {
		metrics.RecordDrain(0)
		return
	}

	log.Printf("harness: waiting up to %s for %d pending confirmations", h.drainTimeout, pending)
	start := h.clock.Now()
	select {
	case <-h.agg.Drained():
	case <-h.clock.After(h.drainTimeout):
		log.Printf("harness: drain window expired with %d sends pending", h.agg.Pending())
	case <-ctx.Done():
	}
	metrics.RecordDrain(clock.Since(h.clock, start))
}

// Verdict is the pass/fail judgement of a finished run.
type Verdict int

const (
	VerdictFailed Verdict = iota
	VerdictPassed
	VerdictStopped
)

func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictStopped:
		return "stopped"
	default:
		return "failed"
	}
}

// Success reports whether the verdict counts as a successful run.
func (v Verdict) Success() bool {
	return v == VerdictPassed || v == VerdictStopped
}

// Evaluate judges a report. A completed valid run passes; a valid run stopped
// by request is not a failure; anything else fails.
func Evaluate(report stats.RunReport) Verdict {
	if !report.Valid {
		return VerdictFailed
	}
	switch {
	case report.State == StateCompleted.String():
		return VerdictPassed
	case report.State == StateAborted.String() && report.AbortReason == string(ReasonStopRequested):
		return VerdictStopped
	default:
		return VerdictFailed
	}
}
