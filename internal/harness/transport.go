package harness

import "longhaul-telemetry/internal/telemetry"

// Transport is the device connection under test. Send dispatches without
// waiting for delivery; the outcome arrives later through the confirmation
// handler, possibly from another goroutine.
type Transport interface {
	telemetry.Sender
	SetConfirmationHandler(telemetry.ConfirmationHandler)
	SetConnectionStatusHandler(telemetry.ConnectionStatusHandler)
	SetMessageHandler(telemetry.MessageHandler)
}

// PayloadBuilder constructs the telemetry message for a tracking id.
type PayloadBuilder interface {
	Build(id telemetry.TrackingID) (telemetry.Message, error)
}
