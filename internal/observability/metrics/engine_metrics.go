package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sweep task names.
const (
	SweepTaskExpireActive    = "expire_active"
	SweepTaskExpireGenerated = "expire_generated"
	SweepTaskCloseStale      = "close_stale_sessions"
	SweepTaskExpirePoints    = "expire_points"
)

// EngineMetrics captures sweeper and dispatcher health signals scraped at /metrics.
type EngineMetrics struct {
	sweepRuns          *prometheus.CounterVec
	sweepDuration      prometheus.Observer
	sweepOverruns      prometheus.Counter
	sweepLag           prometheus.Observer
	sweepProcessed     *prometheus.CounterVec
	voucherTransitions *prometheus.CounterVec
	sessionsClosed     *prometheus.CounterVec
	dispatchQueueDepth prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registered on the default registerer.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = NewEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

// NewEngineMetrics registers a fresh set of collectors on registerer.
func NewEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "hotspotd"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotspotd_sweep_runs_total",
		Help:        "Expiration sweeper passes by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "hotspotd_sweep_duration_seconds",
		Help:        "Wall time of a full expiration sweeper pass.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	})
	sweepOverruns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "hotspotd_sweep_overruns_total",
		Help:        "Sweeper passes that did not finish within their interval.",
		ConstLabels: constLabels,
	})
	sweepLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "hotspotd_sweep_lag_seconds",
		Help:        "Delay between the scheduled and actual start of a sweeper pass.",
		Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		ConstLabels: constLabels,
	})
	sweepProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotspotd_sweep_processed_total",
		Help:        "Items handled by sweeper task.",
		ConstLabels: constLabels,
	}, []string{"task"})
	voucherTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotspotd_voucher_transitions_total",
		Help:        "Voucher state transitions by target state and reason.",
		ConstLabels: constLabels,
	}, []string{"to", "reason"})
	sessionsClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotspotd_sessions_closed_total",
		Help:        "Sessions closed by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	dispatchQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "hotspotd_nas_dispatch_queue_depth",
		Help:        "NAS commands waiting for a dispatcher worker.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		sweepRuns,
		sweepDuration,
		sweepOverruns,
		sweepLag,
		sweepProcessed,
		voucherTransitions,
		sessionsClosed,
		dispatchQueueDepth,
	)

	return &EngineMetrics{
		sweepRuns:          sweepRuns,
		sweepDuration:      sweepDuration,
		sweepOverruns:      sweepOverruns,
		sweepLag:           sweepLag,
		sweepProcessed:     sweepProcessed,
		voucherTransitions: voucherTransitions,
		sessionsClosed:     sessionsClosed,
		dispatchQueueDepth: dispatchQueueDepth,
	}
}

// ObserveSweep records one sweeper pass.
func (m *EngineMetrics) ObserveSweep(duration time.Duration, err error, overrun bool) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(duration.Seconds())
	if overrun {
		m.sweepOverruns.Inc()
	}
}

func (m *EngineMetrics) ObserveSweepLag(lag time.Duration) {
	if m == nil || lag < 0 {
		return
	}
	m.sweepLag.Observe(lag.Seconds())
}

func (m *EngineMetrics) AddSweepProcessed(task string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepProcessed.WithLabelValues(task).Add(float64(n))
}

func (m *EngineMetrics) IncVoucherTransition(to, reason string) {
	if m == nil {
		return
	}
	m.voucherTransitions.WithLabelValues(to, reason).Inc()
}

func (m *EngineMetrics) IncSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) SetDispatchQueueDepth(n int) {
	if m == nil {
		return
	}
	m.dispatchQueueDepth.Set(float64(n))
}
