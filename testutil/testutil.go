package testutil

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"longhaul-telemetry/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var registryMu sync.Mutex

// DefaultWait bounds the polling helpers when a test has no deadline of its own.
const DefaultWait = 2 * time.Second

// ResetRegistryForTest provides an isolated Prometheus registry for the lifetime
// of the test. It reconfigures the metrics package to use the per-test registry
// and restores the previous registerer once the test completes.
//
// This function holds a package-level lock for the entire test duration to
// prevent data races while swapping metric registries. As a result, tests that
// depend on this helper execute serially.
func ResetRegistryForTest(t *testing.T) *prometheus.Registry {
	t.Helper()

	registryMu.Lock()

	reg := prometheus.NewRegistry()
	metrics.ResetForTesting(reg)

	t.Cleanup(func() {
		metrics.ResetForTesting(prometheus.DefaultRegisterer)
		registryMu.Unlock()
	})

	return reg
}

// WaitForCondition polls probe until it reports success or the context is
// cancelled.
func WaitForCondition[T any](ctx context.Context, probe func() (T, bool)) (T, error) {
	var zero T
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if val, ok := probe(); ok {
			return val, nil
		}

		runtime.Gosched()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Eventually fails the test if cond does not hold within DefaultWait.
func Eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()

	_, err := WaitForCondition(ctx, func() (struct{}, bool) {
		return struct{}{}, cond()
	})
	if err != nil {
		t.Fatalf("timeout waiting for %s: %v", desc, err)
	}
}

// WaitForError blocks until ch yields a value and returns that value.
// The test fails if nothing arrives within DefaultWait.
func WaitForError(t *testing.T, ch <-chan error, desc string) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()

	result, err := WaitForCondition(ctx, func() (error, bool) {
		select {
		case err := <-ch:
			return err, true
		default:
			return nil, false
		}
	})
	if err != nil {
		t.Fatalf("timeout waiting for %s: %v", desc, err)
	}
	return result
}

// CounterValue returns the value of the counter name with exactly the given
// labels in reg, or zero when the series does not exist.
func CounterValue(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()

	metric := findMetric(t, reg, name, labels)
	if metric == nil || metric.GetCounter() == nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// GaugeValue returns the value of the gauge name with exactly the given labels
// in reg, or zero when the series does not exist.
func GaugeValue(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()

	metric := findMetric(t, reg, name, labels)
	if metric == nil || metric.GetGauge() == nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

func findMetric(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if len(metric.GetLabel()) != len(labels) {
				continue
			}
			match := true
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}
