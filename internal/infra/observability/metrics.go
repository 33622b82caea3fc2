package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ingest service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	staged            *prometheus.CounterVec
	committed         *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	ruleCache         *prometheus.CounterVec
	rowErrors         *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		staged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_staged_total",
				Help: "Staged rows by resulting status.",
			},
			[]string{"status"},
		),
		committed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_committed_total",
				Help: "Commit outcomes per staged row.",
			},
			[]string{"result"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_upstream_errors_total",
				Help: "Errors returned by the aggregator, by error code.",
			},
			[]string{"code"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_operation_duration_seconds",
				Help:    "Duration of pipeline operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ruleCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rule_cache_total",
				Help: "Compiled rule set cache lookups.",
			},
			[]string{"result"},
		),
		rowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_row_errors_total",
				Help: "Input rows skipped as malformed, by source.",
			},
			[]string{"source"},
		),
	}
}

// RecordDuration records the duration of a pipeline operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// AddStaged adds n rows staged with the given status.
func (m *Metrics) AddStaged(status string, n int) {
	if n > 0 {
		m.staged.WithLabelValues(status).Add(float64(n))
	}
}

// AddCommitted adds n commit outcomes (inserted, duplicate, ineligible).
func (m *Metrics) AddCommitted(result string, n int) {
	if n > 0 {
		m.committed.WithLabelValues(result).Add(float64(n))
	}
}

// IncrUpstreamError increments the aggregator error counter.
func (m *Metrics) IncrUpstreamError(code string) {
	m.upstreamErrors.WithLabelValues(code).Inc()
}

// IncrCacheHit increments the rule cache hit counter.
func (m *Metrics) IncrCacheHit() {
	m.ruleCache.WithLabelValues("hit").Inc()
}

// IncrCacheMiss increments the rule cache miss counter.
func (m *Metrics) IncrCacheMiss() {
	m.ruleCache.WithLabelValues("miss").Inc()
}

// AddRowErrors counts malformed rows skipped from source ("import" or "aggregator").
func (m *Metrics) AddRowErrors(source string, n int) {
	if n > 0 {
		m.rowErrors.WithLabelValues(source).Add(float64(n))
	}
}

// StagedCount returns the cumulative staged counter for a status.
func (m *Metrics) StagedCount(status string) float64 {
	return getCounterValue(m.staged, status)
}

// CommittedCount returns the cumulative commit counter for a result.
func (m *Metrics) CommittedCount(result string) float64 {
	return getCounterValue(m.committed, result)
}

// UpstreamErrorCount returns the cumulative aggregator error counter for a code.
func (m *Metrics) UpstreamErrorCount(code string) float64 {
	return getCounterValue(m.upstreamErrors, code)
}

// RowErrorCount returns the cumulative skipped-row counter for a source.
func (m *Metrics) RowErrorCount(source string) float64 {
	return getCounterValue(m.rowErrors, source)
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
