package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accident_etl"

// Row outcomes reported by the loader.
const (
	OutcomeLoaded    = "loaded"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeUpdated   = "updated"
	OutcomeNotFound  = "not_found"
)

// Metrics holds the Prometheus collectors for load and backfill runs. Each
// Metrics owns its registry so several can coexist in one process.
type Metrics struct {
	Rows          *prometheus.CounterVec // labels: outcome
	Created       *prometheus.CounterVec // labels: table={accident,coordinate,participants}
	Lookups       *prometheus.CounterVec // labels: result={hit,miss}
	Queries       *prometheus.CounterVec // labels: outcome={success,not_a_road,not_found,error}
	QueryDuration prometheus.Histogram
	CacheSize     prometheus.Gauge
	RunActive     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them, plus the Go runtime
// and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed by outcome.",
		}, []string{"outcome"}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "created_total",
			Help:      "Rows inserted into the store by table.",
		}, []string{"table"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_cache_total",
			Help:      "Road-type cache lookups by result.",
		}, []string{"result"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocoder_queries_total",
			Help:      "Reverse-geocoding queries by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocoder_query_duration_seconds",
			Help:      "Reverse-geocoding classification duration, retry pauses included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 30, 60, 120, 300},
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lookup_cache_entries",
			Help:      "Coordinates held in the road-type cache.",
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a load or backfill run is in progress.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Rows,
		m.Created,
		m.Lookups,
		m.Queries,
		m.QueryDuration,
		m.CacheSize,
		m.RunActive,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
