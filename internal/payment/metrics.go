package payment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsTotal       = "payment_webhook_events_total"
	MetricReconciledTotal   = "payment_webhook_reconciled_total"
	MetricUnmatchedTotal    = "payment_webhook_unmatched_total"
	MetricStaleSkippedTotal = "payment_webhook_stale_skipped_total"
	MetricDuplicatesTotal   = "payment_webhook_duplicate_events_total"
)

// Unmatched reasons.
const (
	ReasonNoMatch           = "no_match"
	ReasonMalformedMetadata = "malformed_metadata"
	ReasonMissingObjectID   = "missing_object_id"
)

// Metrics contains Prometheus metrics for webhook reconciliation.
// All operations are thread-safe.
type Metrics struct {
	events       *prometheus.CounterVec
	reconciled   *prometheus.CounterVec
	unmatched    *prometheus.CounterVec
	staleSkipped prometheus.Counter
	duplicates   prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsTotal,
				Help: "Total number of webhook events received by type",
			},
			[]string{"event_type"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReconciledTotal,
				Help: "Total number of payment records updated by table and status",
			},
			[]string{"table", "status"},
		),
		unmatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUnmatchedTotal,
				Help: "Total number of events that updated no record, by reason",
			},
			[]string{"reason"},
		),
		staleSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricStaleSkippedTotal,
				Help: "Total number of updates fenced off by a newer record timestamp",
			},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricDuplicatesTotal,
				Help: "Total number of redelivered events skipped via the processed-event ledger",
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

// IncEvents increments the received-events counter for an event type.
func (m *Metrics) IncEvents(eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}

// IncReconciled increments the reconciled counter for a table and status.
func (m *Metrics) IncReconciled(table, status string) {
	m.reconciled.WithLabelValues(table, status).Inc()
}

// IncUnmatched increments the unmatched counter for a reason.
func (m *Metrics) IncUnmatched(reason string) {
	m.unmatched.WithLabelValues(reason).Inc()
}

// IncStaleSkipped increments the fenced-update counter.
func (m *Metrics) IncStaleSkipped() {
	m.staleSkipped.Inc()
}

// IncDuplicates increments the duplicate-delivery counter.
func (m *Metrics) IncDuplicates() {
	m.duplicates.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.events,
		m.reconciled,
		m.unmatched,
		m.staleSkipped,
		m.duplicates,
	}
}
