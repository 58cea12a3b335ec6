// Package metrics exposes data layer counters through a per-instance
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cellucid"

// Metrics holds the collectors of one server instance.
type Metrics struct {
	Registry *prometheus.Registry

	// ResultCache counts result cache lookups by outcome: hit | miss
	ResultCache *prometheus.CounterVec
	// InflightJoins counts callers that joined a fetch already running.
	InflightJoins prometheus.Counter
	// Fetches counts underlying page fetches by outcome: success | failed
	Fetches *prometheus.CounterVec
	// FetchDuration tracks underlying fetch latency.
	FetchDuration prometheus.Histogram
	// Bulk counts bulk requests by outcome: hit | partial | miss
	Bulk *prometheus.CounterVec
	// Evictions counts cache entries dropped by reason:
	// invalidate | pressure | expired | clear
	Evictions *prometheus.CounterVec
	// PressureSweeps counts memory pressure handler runs.
	PressureSweeps prometheus.Counter
	// Prefetch counts prefetch requests by outcome:
	// queued | skipped | done | failed | dropped
	Prefetch *prometheus.CounterVec
	// DEJobs counts differential expression jobs by status.
	DEJobs *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ResultCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "result_cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"outcome"}),
		InflightJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inflight",
			Name:      "joins_total",
			Help:      "Requests served by joining an in-progress fetch.",
		}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "total",
			Help:      "Underlying page fetches by outcome.",
		}, []string{"outcome"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of underlying page fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Bulk: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "requests_total",
			Help:      "Bulk requests by cache outcome.",
		}, []string{"outcome"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache entries removed by reason.",
		}, []string{"reason"}),
		PressureSweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "pressure_sweeps_total",
			Help:      "Memory pressure cleanups performed.",
		}),
		Prefetch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "requests_total",
			Help:      "Prefetch requests by outcome.",
		}, []string{"outcome"}),
		DEJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "de",
			Name:      "jobs_total",
			Help:      "Differential expression jobs by final status.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
