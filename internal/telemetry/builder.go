package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxMessageSize is the device-to-cloud message size limit.
	MaxMessageSize = 256 * 1024

	// DefaultWindSpeedBase is the base value the simulated sensor reading
	// varies around.
	DefaultWindSpeedBase = 10.0

	contentTypeJSON = "application/json"
	encodingUTF8    = "utf-8"

	// Property keys attached to every telemetry message.
	PropertyTrackingID = "trackingId"
	PropertyRunID      = "runId"
)

// ErrPayloadTooLarge is returned when an encoded payload exceeds MaxMessageSize.
var ErrPayloadTooLarge = errors.New("telemetry: payload exceeds maximum message size")

// Payload is the JSON body of a telemetry message.
type Payload struct {
	DeviceID   string  `json:"deviceId"`
	WindSpeed  float64 `json:"windSpeed"`
	TrackingID uint64  `json:"trackingId"`
	RunID      string  `json:"runId,omitempty"`
	SentAt     string  `json:"sentAt"`
	Padding    string  `json:"padding,omitempty"`
}

// Builder constructs telemetry messages for a single device. It is safe for
// concurrent use.
type Builder struct {
	deviceID      string
	runID         string
	windSpeedBase float64
	padding       int
	now           func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithRunID tags every message with the run identifier.
func WithRunID(runID string) BuilderOption {
	return func(b *Builder) {
		b.runID = runID
	}
}

// WithWindSpeedBase overrides the simulated reading base value.
func WithWindSpeedBase(base float64) BuilderOption {
	return func(b *Builder) {
		b.windSpeedBase = base
	}
}

// WithPadding appends n filler bytes to every payload, used to exercise
// larger message sizes.
func WithPadding(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.padding = n
		}
	}
}

// WithSeed makes the simulated readings reproducible.
func WithSeed(seed int64) BuilderOption {
	return func(b *Builder) {
		b.rng = rand.New(rand.NewSource(seed))
	}
}

// WithTimeSource overrides the timestamp source for SentAt.
func WithTimeSource(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuilder returns a Builder for the given device.
func NewBuilder(deviceID string, opts ...BuilderOption) *Builder {
	b := &Builder{
		deviceID:      deviceID,
		windSpeedBase: DefaultWindSpeedBase,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build encodes one telemetry message for the given tracking id.
func (b *Builder) Build(id TrackingID) (Message, error) {
	b.mu.Lock()
	windSpeed := b.windSpeedBase + float64(b.rng.Intn(4)+2)
	b.mu.Unlock()

	payload := Payload{
		DeviceID:   b.deviceID,
		WindSpeed:  windSpeed,
		TrackingID: uint64(id),
		RunID:      b.runID,
		SentAt:     b.now().UTC().Format(time.RFC3339Nano),
	}
	if b.padding > 0 {
		payload.Padding = strings.Repeat("x", b.padding)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("telemetry: encode payload: %w", err)
	}
	if len(body) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}

	properties := map[string]string{
		PropertyTrackingID: id.String(),
	}
	if b.runID != "" {
		properties[PropertyRunID] = b.runID
	}

	return Message{
		MessageID:       uuid.NewString(),
		ContentType:     contentTypeJSON,
		ContentEncoding: encodingUTF8,
		Body:            body,
		Properties:      properties,
	}, nil
}
