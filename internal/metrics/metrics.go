// Package metrics defines the Prometheus collectors shared by the service.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "octavio"

type Metrics struct {
	// Merge passes by outcome: merged, noop, aborted, error.
	MergeOutcomes *prometheus.CounterVec
	// Fragments folded into canonical snapshots.
	FragmentsApplied prometheus.Counter
	// Fragment submissions by result: created, duplicate, conflict, invalid.
	FragmentsIngested *prometheus.CounterVec
	// Audit log appends by status: ok, contention, error.
	LogAppends *prometheus.CounterVec
	// Object store latency by backend and operation.
	StoreDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		MergeOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_outcomes_total",
				Help:      "Merge passes by outcome",
			},
			[]string{"outcome"},
		),
		FragmentsApplied: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_applied_total",
				Help:      "Fragments folded into canonical snapshots",
			},
		),
		FragmentsIngested: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_ingested_total",
				Help:      "Fragment submissions by result",
			},
			[]string{"result"},
		),
		LogAppends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_appends_total",
				Help:      "Audit log appends by status",
			},
			[]string{"status"},
		),
		StoreDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Object store operation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "op"},
		),
	}
}

func (m *Metrics) MergeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.MergeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Applied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FragmentsApplied.Add(float64(n))
}

func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.FragmentsIngested.WithLabelValues(result).Inc()
}

func (m *Metrics) LogAppend(status string) {
	if m == nil {
		return
	}
	m.LogAppends.WithLabelValues(status).Inc()
}

// StoreHistogram returns the latency histogram for objstore.Instrument, or
// nil when m is nil.
func (m *Metrics) StoreHistogram() *prometheus.HistogramVec {
	if m == nil {
		return nil
	}
	return m.StoreDuration
}
