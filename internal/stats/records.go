package stats

import (
	"time"

	"longhaul-telemetry/internal/telemetry"
)

// Outcome is the resolution state of a send.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeOK
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ResultDispatchError is the result name of a send that failed before the
// transport accepted it.
const ResultDispatchError = "dispatch_error"

// ConnectionStatusEvent is one recorded connection status notification.
type ConnectionStatusEvent struct {
	Timestamp      time.Time                  `json:"timestamp" yaml:"timestamp"`
	PreviousStatus telemetry.ConnectionStatus `json:"previous_status" yaml:"previous_status"`
	PreviousReason telemetry.StatusReason     `json:"previous_reason" yaml:"previous_reason"`
	CurrentStatus  telemetry.ConnectionStatus `json:"current_status" yaml:"current_status"`
	CurrentReason  telemetry.StatusReason     `json:"current_reason" yaml:"current_reason"`
}

// SendRecord tracks one dispatched telemetry message.
type SendRecord struct {
	TrackingID    telemetry.TrackingID
	MessageID     string
	TimeSent      time.Time
	TimeConfirmed time.Time
	Outcome       Outcome
	Result        string
	Latency       time.Duration
}

// Resolved reports whether the send has left the pending state.
func (r SendRecord) Resolved() bool {
	return r.Outcome != OutcomePending
}

// ReceiveRecord describes one inbound message.
type ReceiveRecord struct {
	Timestamp       time.Time
	MessageID       string
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	ContentKind     string
	Size            int
	PropertyCount   int
	Disposition     telemetry.Disposition
}

// NewReceiveRecord extracts the recorded fields of msg.
func NewReceiveRecord(at time.Time, msg telemetry.InboundMessage, disposition telemetry.Disposition) ReceiveRecord {
	return ReceiveRecord{
		Timestamp:       at,
		MessageID:       msg.MessageID,
		CorrelationID:   msg.CorrelationID,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		ContentKind:     msg.ContentKind(),
		Size:            len(msg.Body),
		PropertyCount:   len(msg.Properties),
		Disposition:     disposition,
	}
}

// Duration renders as a Go duration string in JSON and YAML reports.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
