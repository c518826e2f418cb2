package harness

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"longhaul-telemetry/internal/clock"
	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/stats"
	"longhaul-telemetry/internal/telemetry"
)

var (
	// ErrLoopAlreadyStarted is returned when Run is called more than once.
	ErrLoopAlreadyStarted = errors.New("harness: loop already started")
	// ErrInvalidSchedule is returned for a non-positive duration or interval.
	ErrInvalidSchedule = errors.New("harness: duration and interval must be positive")
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "not_started"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AbortReason says why a loop left Running early.
type AbortReason string

const (
	ReasonNone                 AbortReason = ""
	ReasonStopRequested        AbortReason = "stop_requested"
	ReasonConnectionLost       AbortReason = "connection_lost"
	ReasonConsistencyViolation AbortReason = "consistency_violation"
	ReasonCancelled            AbortReason = "cancelled"
)

// Loop sends one telemetry message per interval until the duration has
// elapsed or it is aborted. A failed send is recorded and never ends the run.
type Loop struct {
	sender  telemetry.Sender
	builder PayloadBuilder
	agg     *stats.Aggregator
	clock   clock.Clock

	state  atomic.Int32
	sent   atomic.Uint64
	nextID uint64

	abortOnce sync.Once
	abortCh   chan struct{}

	mu     sync.Mutex
	reason AbortReason
}

// NewLoop wires a loop to its collaborators. A nil clock uses the real clock.
func NewLoop(sender telemetry.Sender, builder PayloadBuilder, agg *stats.Aggregator, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Loop{
		sender:  sender,
		builder: builder,
		agg:     agg,
		clock:   clk,
		abortCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// AbortReason returns the reason of the first Abort call, if any.
func (l *Loop) AbortReason() AbortReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Sent returns the number of cycles that have dispatched or failed a send.
func (l *Loop) Sent() uint64 {
	return l.sent.Load()
}

// Abort asks the loop to stop. It is safe to call from any goroutine, before
// or during Run. Only the first reason is kept; later calls report false.
func (l *Loop) Abort(reason AbortReason) bool {
	first := false
	l.abortOnce.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.abortCh)
		first = true
	})
	if first {
		log.Printf("harness: abort requested: %s", reason)
		metrics.RecordLoopAbort(string(reason))
	}
	return first
}

// Run drives the send cadence and blocks until the loop is Completed or
// Aborted. It returns an error only when the loop cannot start.
func (l *Loop) Run(ctx context.Context, duration, interval time.Duration) error {
	if duration <= 0 || interval <= 0 {
		return ErrInvalidSchedule
	}
	if !l.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return ErrLoopAlreadyStarted
	}
	metrics.SetLoopState(int(StateRunning))

	start := l.clock.Now()
	l.agg.MarkStarted(start)
	log.Printf("harness: loop running for %s, one send every %s", duration, interval)

	// Refusals seen before the loop started only end the run if they are
	// still the current status.
	if status, reason := l.agg.CurrentStatus(); status == telemetry.StatusUnauthenticated && reason.Unrecoverable() {
		l.Abort(ReasonConnectionLost)
	}

	for {
		select {
		case <-l.abortCh:
			return l.finish(StateAborted)
		case <-ctx.Done():
			l.Abort(ReasonCancelled)
			return l.finish(StateAborted)
		default:
		}

		if clock.Since(l.clock, start) >= duration {
			return l.finish(StateCompleted)
		}

		l.cycle(ctx)

		wait := min(interval, clock.Remaining(duration, clock.Since(l.clock, start)))
		if wait <= 0 {
			continue
		}
		select {
		case <-l.clock.After(wait):
		case <-l.abortCh:
		case <-ctx.Done():
		}
	}
}

func (l *Loop) finish(state State) error {
	l.state.Store(int32(state))
	metrics.SetLoopState(int(state))
	log.Printf("harness: loop %s after %d sends", state, l.sent.Load())
	return nil
}

// cycle builds, registers and dispatches one message.
func (l *Loop) cycle(ctx context.Context) {
	defer l.sent.Add(1)

	l.nextID++
	id := telemetry.TrackingID(l.nextID)

	msg, buildErr := l.builder.Build(id)
	if err := l.agg.BeginSend(id, msg.MessageID); err != nil {
		log.Printf("harness: begin send %s: %v", id, err)
		l.Abort(ReasonConsistencyViolation)
		return
	}

	if buildErr != nil {
		log.Printf("harness: build message %s: %v", id, buildErr)
		metrics.RecordDispatchFailure("build")
		l.failSend(id)
		return
	}

	if err := l.sender.Send(ctx, id, msg); err != nil {
		log.Printf("harness: dispatch message %s: %v", id, err)
		metrics.RecordDispatchFailure("dispatch")
		l.failSend(id)
	}
}

func (l *Loop) failSend(id telemetry.TrackingID) {
	err := l.agg.FailSend(id)
	if err == nil {
		return
	}
	log.Printf("harness: record failed send %s: %v", id, err)
	if stats.IsFatal(err) {
		l.Abort(ReasonConsistencyViolation)
	}
}
