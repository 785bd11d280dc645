// Package metrics holds the prometheus collectors for the ingestion
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "surveycore"

// Metrics groups the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	unknownTokens *prometheus.CounterVec
	driftColumns  *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
	mirrorErrors  *prometheus.CounterVec
	snapshots     *prometheus.CounterVec
	upsertDur     *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions processed, by form, table and outcome.",
		}, []string{"form", "table", "outcome"}),
		unknownTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_tokens_total",
			Help:      "Answers that matched no domain token and were zero-filled.",
		}, []string{"field"}),
		driftColumns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_drift_columns_total",
			Help:      "Input columns dropped by schema projection.",
		}, []string{"form"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_rebuilds_total",
			Help:      "Unreadable tables rebuilt from the master header.",
		}, []string{"table"}),
		mirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Relational mirror writes that failed.",
		}, []string{"driver"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_snapshots_total",
			Help:      "Table snapshots published to the archive, by outcome.",
		}, []string{"outcome"}),
		upsertDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upsert_duration_seconds",
			Help:      "Time spent in the table read-modify-replace cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
	}
	m.registry.MustRegister(m.submissions, m.unknownTokens, m.driftColumns,
		m.rebuilds, m.mirrorErrors, m.snapshots, m.upsertDur)
	return m
}

// Gatherer exposes the registry for export.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// WriteTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Gatherer())
}

func (m *Metrics) Submission(form, table, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(form, table, outcome).Inc()
}

func (m *Metrics) UnknownToken(field string) {
	if m == nil {
		return
	}
	m.unknownTokens.WithLabelValues(field).Inc()
}

func (m *Metrics) Drift(form string, columns int) {
	if m == nil || columns == 0 {
		return
	}
	m.driftColumns.WithLabelValues(form).Add(float64(columns))
}

func (m *Metrics) Rebuilt(table string) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(table).Inc()
}

func (m *Metrics) MirrorFailure(driver string) {
	if m == nil {
		return
	}
	m.mirrorErrors.WithLabelValues(driver).Inc()
}

func (m *Metrics) Snapshot(outcome string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveUpsert(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.upsertDur.WithLabelValues(table).Observe(d.Seconds())
}
