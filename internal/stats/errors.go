package stats

import (
	"errors"
	"fmt"

	"longhaul-telemetry/internal/telemetry"
)

// Tracking-id bookkeeping violations.
var (
	// ErrDuplicateTrackingID means BeginSend saw an id twice. Fatal.
	ErrDuplicateTrackingID = errors.New("stats: duplicate tracking id")
	// ErrUnknownTrackingID means a confirmation arrived for an id never begun. Fatal.
	ErrUnknownTrackingID = errors.New("stats: unknown tracking id")
	// ErrDoubleCompletion means a send was completed twice. The first result is kept.
	ErrDoubleCompletion = errors.New("stats: double completion")
)

// TrackingError ties a bookkeeping violation to the tracking id that caused it.
type TrackingError struct {
	ID  telemetry.TrackingID
	Err error
}

func (e *TrackingError) Error() string { return fmt.Sprintf("%v (id %s)", e.Err, e.ID) }
func (e *TrackingError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the send bookkeeping can no longer be
// trusted and the run must be aborted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDuplicateTrackingID) || errors.Is(err, ErrUnknownTrackingID)
}

func violationKind(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateTrackingID):
		return "duplicate_tracking_id"
	case errors.Is(err, ErrUnknownTrackingID):
		return "unknown_tracking_id"
	case errors.Is(err, ErrDoubleCompletion):
		return "double_completion"
	default:
		return "other"
	}
}
