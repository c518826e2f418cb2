// Package telemetry defines the vocabulary shared between the long-haul
// harness and the device transport: tracking identifiers, connection status
// values, delivery confirmation results, inbound message dispositions and the
// message types that cross the transport boundary. It also builds the
// telemetry payloads sent during a run.
package telemetry

import (
	"context"
	"strconv"
)

// TrackingID correlates a dispatched send with its later asynchronous
// confirmation. It is assigned by the harness and unique within a run.
type TrackingID uint64

// String renders the identifier in decimal form.
func (id TrackingID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ConnectionStatus is the authentication state reported by the transport.
type ConnectionStatus int

const (
	// StatusUnset is the sentinel used before any status has been observed.
	StatusUnset ConnectionStatus = iota
	StatusAuthenticated
	StatusUnauthenticated
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unset"
	}
}

// MarshalText implements encoding.TextMarshaler so reports render names.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusReason qualifies a ConnectionStatus change.
type StatusReason int

const (
	// ReasonUnset is the sentinel used before any status has been observed.
	ReasonUnset StatusReason = iota
	ReasonConnectionOK
	ReasonExpiredSASToken
	ReasonDeviceDisabled
	ReasonBadCredential
	ReasonRetryExpired
	ReasonNoNetwork
	ReasonCommunicationError
	ReasonNoPingResponse
)

func (r StatusReason) String() string {
	switch r {
	case ReasonConnectionOK:
		return "connection_ok"
	case ReasonExpiredSASToken:
		return "expired_sas_token"
	case ReasonDeviceDisabled:
		return "device_disabled"
	case ReasonBadCredential:
		return "bad_credential"
	case ReasonRetryExpired:
		return "retry_expired"
	case ReasonNoNetwork:
		return "no_network"
	case ReasonCommunicationError:
		return "communication_error"
	case ReasonNoPingResponse:
		return "no_ping_response"
	default:
		return "unset"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r StatusReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Unrecoverable reports whether the transport cannot get back to an
// authenticated state on its own after this reason.
func (r StatusReason) Unrecoverable() bool {
	switch r {
	case ReasonExpiredSASToken, ReasonDeviceDisabled, ReasonBadCredential, ReasonRetryExpired:
		return true
	default:
		return false
	}
}

// ConfirmationResult is the final delivery outcome reported for a send.
type ConfirmationResult int

const (
	ConfirmationOK ConfirmationResult = iota
	ConfirmationBecauseDestroy
	ConfirmationMessageTimeout
	ConfirmationError
)

func (c ConfirmationResult) String() string {
	switch c {
	case ConfirmationOK:
		return "ok"
	case ConfirmationBecauseDestroy:
		return "because_destroy"
	case ConfirmationMessageTimeout:
		return "message_timeout"
	default:
		return "error"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c ConfirmationResult) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Disposition tells the transport what to do with an inbound message.
type Disposition int

const (
	DispositionAccepted Disposition = iota
	DispositionRejected
	DispositionAbandoned
)

func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "accepted"
	case DispositionRejected:
		return "rejected"
	default:
		return "abandoned"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Content kinds of an inbound message body.
const (
	ContentKindByteArray = "bytearray"
	ContentKindString    = "string"
)

// Message is one device-to-cloud telemetry message.
type Message struct {
	MessageID       string
	ContentType     string
	ContentEncoding string
	Body            []byte
	Properties      map[string]string
}

// InboundMessage is one cloud-to-device message as delivered by the transport.
type InboundMessage struct {
	MessageID       string
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	Body            []byte
	Properties      map[string]string
}

// ContentKind classifies the body as a string when the content type or
// encoding says so, otherwise as a byte array.
func (m InboundMessage) ContentKind() string {
	if m.ContentEncoding != "" || isTextContentType(m.ContentType) {
		return ContentKindString
	}
	return ContentKindByteArray
}

func isTextContentType(contentType string) bool {
	switch {
	case contentType == "":
		return false
	case len(contentType) >= 5 && contentType[:5] == "text/":
		return true
	case contentType == "application/json":
		return true
	default:
		return false
	}
}

// ConfirmationHandler receives the asynchronous outcome of a send.
type ConfirmationHandler func(id TrackingID, result ConfirmationResult)

// ConnectionStatusHandler receives connection status changes.
type ConnectionStatusHandler func(status ConnectionStatus, reason StatusReason)

// MessageHandler receives inbound messages and decides their disposition.
type MessageHandler func(msg InboundMessage) Disposition

// Sender dispatches a message whose outcome is reported later through a
// ConfirmationHandler.
type Sender interface {
	Send(ctx context.Context, id TrackingID, msg Message) error
}
