package harness

import (
	"bytes"
	"log"

	"longhaul-telemetry/internal/clock"
	"longhaul-telemetry/internal/stats"
	"longhaul-telemetry/internal/telemetry"
)

// DefaultStopPayload is the inbound message body that ends a run early.
const DefaultStopPayload = "quit"

// Aborter is the part of Loop the correlator needs.
type Aborter interface {
	Abort(reason AbortReason) bool
	State() State
}

// Correlator turns transport callbacks into aggregator updates and abort
// signals. Its methods never panic and never return errors to the transport.
type Correlator struct {
	agg         *stats.Aggregator
	loop        Aborter
	clock       clock.Clock
	stopPayload []byte
}

// NewCorrelator returns a correlator feeding agg and aborting loop. An empty
// stopPayload disables the stop sentinel.
func NewCorrelator(agg *stats.Aggregator, loop Aborter, clk clock.Clock, stopPayload string) *Correlator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Correlator{
		agg:         agg,
		loop:        loop,
		clock:       clk,
		stopPayload: []byte(stopPayload),
	}
}

// OnConfirmation resolves the send for id. An unknown id aborts the run; a
// repeated confirmation is only logged.
func (c *Correlator) OnConfirmation(id telemetry.TrackingID, result telemetry.ConfirmationResult) {
	err := c.agg.CompleteSend(id, result)
	if err == nil {
		return
	}

	if stats.IsFatal(err) {
		log.Printf("harness: confirmation %s (%s): %v", id, result, err)
		c.loop.Abort(ReasonConsistencyViolation)
		return
	}
	log.Printf("harness: ignoring confirmation %s (%s): %v", id, result, err)
}

// OnReceive records an inbound message and stops the run when its body is the
// stop sentinel. Empty messages are rejected.
func (c *Correlator) OnReceive(msg telemetry.InboundMessage) telemetry.Disposition {
	disposition := telemetry.DispositionAccepted
	if len(msg.Body) == 0 {
		disposition = telemetry.DispositionRejected
	}

	c.agg.RecordReceive(stats.NewReceiveRecord(c.clock.Now(), msg, disposition))

	if c.isStop(msg.Body) {
		log.Printf("harness: stop message %q received", msg.MessageID)
		c.loop.Abort(ReasonStopRequested)
	}
	return disposition
}

// OnConnectionStatus records a status change. Losing authentication for a
// reason the transport cannot recover from aborts a running loop. Before the
// loop starts the change is only recorded, so a refused connect attempt that
// is retried successfully does not end the run.
func (c *Correlator) OnConnectionStatus(status telemetry.ConnectionStatus, reason telemetry.StatusReason) {
	c.agg.RecordConnectionStatus(status, reason)
	log.Printf("harness: connection status %s (%s)", status, reason)

	if status == telemetry.StatusUnauthenticated && reason.Unrecoverable() && c.loop.State() == StateRunning {
		c.loop.Abort(ReasonConnectionLost)
	}
}

func (c *Correlator) isStop(body []byte) bool {
	if len(c.stopPayload) == 0 {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(body), c.stopPayload)
}
