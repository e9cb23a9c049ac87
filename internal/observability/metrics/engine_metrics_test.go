package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSweepCountsOverruns(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewEngineMetrics(registry, Config{ServiceName: "hotspotd", Environment: "test"})

	m.ObserveSweep(2*time.Second, nil, false)
	m.ObserveSweep(90*time.Second, errors.New("boom"), true)

	if got := testutil.ToFloat64(m.sweepOverruns); got != 1 {
		t.Fatalf("expected 1 overrun, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepRuns.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepRuns.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 successful run, got %v", got)
	}
}

func TestVoucherTransitionsByReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewEngineMetrics(registry, Config{})

	m.IncVoucherTransition("USED", "USAGE_CAP")
	m.IncVoucherTransition("USED", "USAGE_CAP")
	m.IncVoucherTransition("EXPIRED", "TIME_CAP")

	if got := testutil.ToFloat64(m.voucherTransitions.WithLabelValues("USED", "USAGE_CAP")); got != 2 {
		t.Fatalf("expected 2 USED transitions, got %v", got)
	}
}

func TestNilEngineMetricsAreSafe(t *testing.T) {
	var m *EngineMetrics
	m.ObserveSweep(time.Second, nil, true)
	m.IncSessionClosed("STOP")
	m.SetDispatchQueueDepth(3)
}
