// Package metrics registers and records Prometheus metrics for the long-haul
// harness: telemetry sends and their confirmations, tracking-id violations,
// connection status transitions, inbound cloud-to-device messages, event log
// drops and the control loop state.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SendsStarted          prometheus.Counter
	SendOutcomes          *prometheus.CounterVec
	Confirmations         *prometheus.CounterVec
	ConfirmationLatency   prometheus.Histogram
	DispatchFailures      *prometheus.CounterVec
	PendingSends          prometheus.Gauge
	TrackingViolations    *prometheus.CounterVec
	StatusTransitions     *prometheus.CounterVec
	Connected             prometheus.Gauge
	Receives              *prometheus.CounterVec
	ReceiveBytes          prometheus.Counter
	EventsDropped         *prometheus.CounterVec
	LoopState             prometheus.Gauge
	LoopAborts            *prometheus.CounterVec
	DrainDuration         prometheus.Histogram
	MQTTConnects          prometheus.Counter
	MQTTDisconnects       prometheus.Counter
	MQTTReconnects        prometheus.Counter
	MQTTInboundMessages   prometheus.Counter
	MQTTPublishDuration   prometheus.Histogram
	RunDurationSeconds    prometheus.Gauge
	RunsCompleted         *prometheus.CounterVec
	metricsMu             sync.RWMutex
	currentRegisterer     prometheus.Registerer = prometheus.DefaultRegisterer
	registeredCollectors  []prometheus.Collector
	latencyBucketsSeconds = prometheus.ExponentialBuckets(0.001, 2, 16)
)

func init() {
	resetMetrics(prometheus.DefaultRegisterer)
}

// SetRegisterer sets a new registerer and reinitializes all metrics.
// It returns the previous registerer so it can be restored later.
// This function is thread-safe and designed for use in tests to provide
// isolated metric registries per test.
func SetRegisterer(registerer prometheus.Registerer) prometheus.Registerer {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	previous := currentRegisterer

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)

	return previous
}

// ResetForTesting reconfigures all metric collectors against the provided registerer.
// It unregisters the existing metrics from the previous registerer to prevent
// duplicate registrations when invoked repeatedly.
func ResetForTesting(registerer prometheus.Registerer) {
	resetMetrics(registerer)
}

func resetMetrics(registerer prometheus.Registerer) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)
}

// initializeMetrics creates all metrics using the provided registerer.
// This function must be called while holding metricsMu.
func initializeMetrics(registerer prometheus.Registerer) {
	factory := promauto.With(registerer)
	registeredCollectors = registeredCollectors[:0]

	track := func(c prometheus.Collector) {
		registeredCollectors = append(registeredCollectors, c)
	}

	SendsStarted = factory.NewCounter(prometheus.CounterOpts{
		Name: "longhaul_sends_total",
		Help: "Total number of telemetry sends begun by the control loop",
	})
	track(SendsStarted)

	SendOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_send_outcomes_total",
		Help: "Resolved telemetry sends by outcome (ok, failed)",
	}, []string{"outcome"})
	track(SendOutcomes)

	Confirmations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_confirmations_total",
		Help: "Delivery confirmations received from the transport by result",
	}, []string{"result"})
	track(Confirmations)

	ConfirmationLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "longhaul_confirmation_latency_seconds",
		Help:    "Time between dispatching a telemetry message and its confirmation",
		Buckets: latencyBucketsSeconds,
	})
	track(ConfirmationLatency)

	DispatchFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_dispatch_failures_total",
		Help: "Sends that failed synchronously before reaching the transport",
	}, []string{"stage"})
	track(DispatchFailures)

	PendingSends = factory.NewGauge(prometheus.GaugeOpts{
		Name: "longhaul_pending_sends",
		Help: "Telemetry sends awaiting confirmation",
	})
	track(PendingSends)

	TrackingViolations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_tracking_violations_total",
		Help: "Tracking-id bookkeeping violations by kind",
	}, []string{"kind"})
	track(TrackingViolations)

	StatusTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_connection_status_transitions_total",
		Help: "Connection status notifications by status and reason",
	}, []string{"status", "reason"})
	track(StatusTransitions)

	Connected = factory.NewGauge(prometheus.GaugeOpts{
		Name: "longhaul_connected",
		Help: "Whether the device connection is currently authenticated (1) or not (0)",
	})
	track(Connected)

	Receives = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_receives_total",
		Help: "Cloud-to-device messages received by disposition",
	}, []string{"disposition"})
	track(Receives)

	ReceiveBytes = factory.NewCounter(prometheus.CounterOpts{
		Name: "longhaul_receive_bytes_total",
		Help: "Total body bytes of cloud-to-device messages",
	})
	track(ReceiveBytes)

	EventsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_events_dropped_total",
		Help: "Events dropped because an event log reached its capacity",
	}, []string{"log"})
	track(EventsDropped)

	LoopState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "longhaul_loop_state",
		Help: "Control loop state (0 not started, 1 running, 2 completed, 3 aborted)",
	})
	track(LoopState)

	LoopAborts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_loop_aborts_total",
		Help: "Control loop aborts by reason",
	}, []string{"reason"})
	track(LoopAborts)

	DrainDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "longhaul_drain_duration_seconds",
		Help:    "Time spent waiting for late confirmations after the loop stopped",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	track(DrainDuration)

	MQTTConnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connects_total",
		Help: "Total number of successful MQTT connections",
	})
	track(MQTTConnects)

	MQTTDisconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_disconnects_total",
		Help: "Total number of MQTT disconnects",
	})
	track(MQTTDisconnects)

	MQTTReconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnects_total",
		Help: "Total number of MQTT reconnections",
	})
	track(MQTTReconnects)

	MQTTInboundMessages = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_in_msgs_total",
		Help: "Total MQTT messages received before disposition",
	})
	track(MQTTInboundMessages)

	MQTTPublishDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_publish_duration_seconds",
		Help:    "Time for an MQTT publish token to complete",
		Buckets: latencyBucketsSeconds,
	})
	track(MQTTPublishDuration)

	RunDurationSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Name: "longhaul_run_duration_seconds",
		Help: "Wall-clock duration of the last finished run",
	})
	track(RunDurationSeconds)

	RunsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "longhaul_runs_total",
		Help: "Finished runs by final loop state",
	}, []string{"state"})
	track(RunsCompleted)
}

func unregisterAll(registerer prometheus.Registerer) {
	for _, c := range registeredCollectors {
		if c != nil {
			registerer.Unregister(c)
		}
	}
}

// RecordSendStarted counts a send begun by the control loop.
func RecordSendStarted() {
	SendsStarted.Inc()
	PendingSends.Inc()
}

// RecordSendResolved records the final outcome of a send and, for
// confirmations that carry a measured latency, the latency itself.
func RecordSendResolved(outcome string, latency time.Duration) {
	SendOutcomes.WithLabelValues(outcome).Inc()
	PendingSends.Dec()
	if latency >= 0 {
		ConfirmationLatency.Observe(latency.Seconds())
	}
}

// RecordConfirmation counts a confirmation callback by its result label.
func RecordConfirmation(result string) {
	Confirmations.WithLabelValues(result).Inc()
}

// RecordDispatchFailure counts a send that failed before the transport took it.
// Stage is "build" or "dispatch".
func RecordDispatchFailure(stage string) {
	DispatchFailures.WithLabelValues(stage).Inc()
}

// RecordTrackingViolation counts a tracking-id bookkeeping violation.
func RecordTrackingViolation(kind string) {
	TrackingViolations.WithLabelValues(kind).Inc()
}

// RecordStatusTransition counts a connection status notification and updates
// the connected gauge.
func RecordStatusTransition(status, reason string, authenticated bool) {
	StatusTransitions.WithLabelValues(status, reason).Inc()
	if authenticated {
		Connected.Set(1)
	} else {
		Connected.Set(0)
	}
}

// RecordReceive counts an inbound message and its body size.
func RecordReceive(disposition string, size int) {
	Receives.WithLabelValues(disposition).Inc()
	if size > 0 {
		ReceiveBytes.Add(float64(size))
	}
}

// RecordEventDropped counts an event dropped from the named log.
func RecordEventDropped(log string) {
	EventsDropped.WithLabelValues(log).Inc()
}

// SetLoopState publishes the control loop state as a number.
func SetLoopState(state int) {
	LoopState.Set(float64(state))
}

// RecordLoopAbort counts a loop abort by reason.
func RecordLoopAbort(reason string) {
	LoopAborts.WithLabelValues(reason).Inc()
}

// RecordDrain records how long the drain window lasted.
func RecordDrain(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	DrainDuration.Observe(duration.Seconds())
}

// RecordRunFinished records the final state and duration of a run.
func RecordRunFinished(state string, duration time.Duration) {
	RunsCompleted.WithLabelValues(state).Inc()
	if duration < 0 {
		duration = 0
	}
	RunDurationSeconds.Set(duration.Seconds())
}

// RecordMQTTConnect tracks successful MQTT connections.
func RecordMQTTConnect() {
	MQTTConnects.Inc()
}

// RecordMQTTDisconnect tracks MQTT disconnects, whether expected or due to errors.
func RecordMQTTDisconnect() {
	MQTTDisconnects.Inc()
}

// RecordMQTTReconnect increments MQTT reconnection counter
func RecordMQTTReconnect() {
	MQTTReconnects.Inc()
}

// RecordMQTTMessage counts inbound MQTT messages prior to disposition.
func RecordMQTTMessage() {
	MQTTInboundMessages.Inc()
}

// RecordMQTTPublish records how long a publish token took to complete.
func RecordMQTTPublish(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	MQTTPublishDuration.Observe(duration.Seconds())
}
