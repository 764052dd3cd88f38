package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCleanupRunsTotal   = "webhook_ledger_cleanup_runs_total"
	MetricCleanupDuration    = "webhook_ledger_cleanup_duration_seconds"
	MetricEventsDeletedTotal = "webhook_ledger_events_deleted_total"
)

// Status constants for cleanup completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics contains Prometheus metrics for ledger maintenance.
// All operations are thread-safe.
type Metrics struct {
	cleanupRuns     *prometheus.CounterVec
	cleanupDuration prometheus.Histogram
	eventsDeleted   prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		cleanupRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCleanupRunsTotal,
				Help: "Total number of ledger cleanup runs by status",
			},
			[]string{"status"},
		),
		cleanupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricCleanupDuration,
				Help:    "Histogram of ledger cleanup duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
		),
		eventsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricEventsDeletedTotal,
				Help: "Total number of expired ledger entries deleted",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncCleanupRuns increments the cleanup runs counter.
func (m *Metrics) IncCleanupRuns(status string) {
	m.cleanupRuns.WithLabelValues(status).Inc()
}

// ObserveCleanupDuration records a cleanup duration sample.
func (m *Metrics) ObserveCleanupDuration(seconds float64) {
	m.cleanupDuration.Observe(seconds)
}

// AddEventsDeleted adds to the deleted entries counter.
func (m *Metrics) AddEventsDeleted(n int64) {
	m.eventsDeleted.Add(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cleanupRuns,
		m.cleanupDuration,
		m.eventsDeleted,
	}
}
