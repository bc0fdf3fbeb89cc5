// Package metrics exposes Prometheus metrics for ingestion runs.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

const namespace = "ingestion"

// Metrics records dispatcher outcomes. It implements ingestion.RunListener
// and ingestion.LockErrorListener.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RowsUpserted *prometheus.CounterVec
	LockSkips    *prometheus.CounterVec
	LockErrors   *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors on a dedicated registry along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished ingestion runs by source and status",
		},
		[]string{"source", "status"},
	)
	m.RowsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_upserted_total",
			Help:      "Fact rows upserted by source",
		},
		[]string{"source"},
	)
	m.LockSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_skips_total",
			Help:      "Dispatch attempts skipped because the source lock was held",
		},
		[]string{"source"},
	)
	m.LockErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_errors_total",
			Help:      "Dispatch attempts skipped because the source lock could not be acquired",
		},
		[]string{"source"},
	)
	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of ingestion runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	m.registry.MustRegister(m.RunsTotal, m.RowsUpserted, m.LockSkips, m.LockErrors, m.RunDuration)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RunSkipped(sourceID string) {
	m.LockSkips.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) LockFailed(sourceID string, _ error) {
	m.LockErrors.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) RunFinished(_ context.Context, run ingestion.Run) {
	m.RunsTotal.WithLabelValues(run.SourceID, string(run.Status)).Inc()
	if run.RowsUpserted > 0 {
		m.RowsUpserted.WithLabelValues(run.SourceID).Add(float64(run.RowsUpserted))
	}
	if run.EndedAt != nil {
		m.RunDuration.WithLabelValues(run.SourceID).Observe(run.EndedAt.Sub(run.StartedAt).Seconds())
	}
}
