package stats

import (
	"math"
	"sort"
	"time"

	"longhaul-telemetry/internal/telemetry"
)

// RunReport is the reduced summary of a run. Field names are stable.
type RunReport struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	State       string    `json:"state" yaml:"state"`
	AbortReason string    `json:"abort_reason,omitempty" yaml:"abort_reason,omitempty"`
	Valid       bool      `json:"valid" yaml:"valid"`
	Violations  []string  `json:"violations,omitempty" yaml:"violations,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time `json:"ended_at" yaml:"ended_at"`
	Duration    Duration  `json:"duration" yaml:"duration"`

	SendsAttempted    int `json:"sends_attempted" yaml:"sends_attempted"`
	ConfirmedOK       int `json:"confirmed_ok" yaml:"confirmed_ok"`
	ConfirmedFailed   int `json:"confirmed_failed" yaml:"confirmed_failed"`
	Pending           int `json:"pending" yaml:"pending"`
	Dropped           int `json:"dropped" yaml:"dropped"`
	DoubleCompletions int `json:"double_completions" yaml:"double_completions"`
	DispatchFailures  int `json:"dispatch_failures" yaml:"dispatch_failures"`

	ConnectionTransitions int                     `json:"connection_transitions" yaml:"connection_transitions"`
	Timeline              []ConnectionStatusEvent `json:"timeline" yaml:"timeline"`
	CurrentStatus         StatusSnapshot          `json:"current_status" yaml:"current_status"`

	Receives            int            `json:"receives" yaml:"receives"`
	CorrelatedReceives  int            `json:"correlated_receives" yaml:"correlated_receives"`
	ReceiveDispositions map[string]int `json:"receive_dispositions,omitempty" yaml:"receive_dispositions,omitempty"`

	Latency LatencyStats   `json:"latency" yaml:"latency"`
	Results map[string]int `json:"results,omitempty" yaml:"results,omitempty"`
}

// StatusSnapshot is the most recently recorded connection status.
type StatusSnapshot struct {
	Status telemetry.ConnectionStatus `json:"status" yaml:"status"`
	Reason telemetry.StatusReason     `json:"reason" yaml:"reason"`
}

// LatencyStats summarises confirmation latencies of transport-confirmed sends.
type LatencyStats struct {
	Count int      `json:"count" yaml:"count"`
	Min   Duration `json:"min" yaml:"min"`
	Max   Duration `json:"max" yaml:"max"`
	Mean  Duration `json:"mean" yaml:"mean"`
	P50   Duration `json:"p50" yaml:"p50"`
	P95   Duration `json:"p95" yaml:"p95"`
	P99   Duration `json:"p99" yaml:"p99"`
}

// Resolved returns the number of sends that are no longer pending.
func (r RunReport) Resolved() int {
	return r.ConfirmedOK + r.ConfirmedFailed
}

// Balanced reports whether every attempted send is accounted for as ok,
// failed or pending.
func (r RunReport) Balanced() bool {
	return r.ConfirmedOK+r.ConfirmedFailed+r.Pending == r.SendsAttempted
}

func computeLatency(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, s := range sorted {
		total += s
	}

	return LatencyStats{
		Count: len(sorted),
		Min:   Duration(sorted[0]),
		Max:   Duration(sorted[len(sorted)-1]),
		Mean:  Duration(total / time.Duration(len(sorted))),
		P50:   Duration(percentile(sorted, 50)),
		P95:   Duration(percentile(sorted, 95)),
		P99:   Duration(percentile(sorted, 99)),
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
