package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	FetchTotal       *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	SourceTotal      *prometheus.CounterVec
	CacheWriteErrors prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	MappingReloads   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "water_quality_fetch_total",
			Help: "Upstream fetches by outcome (success, error, empty)",
		}, []string{"outcome"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "water_quality_fetch_duration_seconds",
			Help:    "Latency of upstream fetches in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SourceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "water_quality_municipality_source_total",
			Help: "Municipality resolutions by data source (fresh, cached, unavailable)",
		}, []string{"source"}),
		CacheWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "water_quality_cache_write_errors_total",
			Help: "Cache records that could not be persisted",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "water_quality_requests_total",
			Help: "Aggregation requests by result",
		}, []string{"result"}),
		MappingReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "water_quality_mapping_reloads_total",
			Help: "Mapping reload attempts by result (reloaded, unchanged, error)",
		}, []string{"result"}),
	}
}

// ObserveFetch records one upstream fetch.
func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncSource(source string) {
	if m == nil {
		return
	}
	m.SourceTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncCacheWriteError() {
	if m == nil {
		return
	}
	m.CacheWriteErrors.Inc()
}

func (m *Metrics) IncRequest(result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncMappingReload(result string) {
	if m == nil {
		return
	}
	m.MappingReloads.WithLabelValues(result).Inc()
}
