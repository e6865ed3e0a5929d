// Package observability holds the Prometheus metrics shared by ingestion and queries.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingest results
const (
	ResultStored   = "stored"
	ResultBuffered = "buffered"
	ResultFailed   = "failed"
	ResultBot      = "bot"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	EventsIngestedTotal *prometheus.CounterVec
	EventsDroppedTotal  prometheus.Counter
	RetryBufferDepth    prometheus.Gauge
	FlushedEventsTotal  prometheus.Counter

	QueryDuration    *prometheus.HistogramVec
	QueryErrorsTotal *prometheus.CounterVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	UsageCounterErrorsTotal prometheus.Counter
	RetentionPurgedTotal    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_events_ingested_total",
				Help: "Total number of beacons accepted, by outcome",
			},
			[]string{"result"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitepulse_events_dropped_total",
				Help: "Events lost to retry buffer overflow or permanent flush failures",
			},
		),
		RetryBufferDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitepulse_retry_buffer_depth",
				Help: "Events waiting in the retry buffer",
			},
		),
		FlushedEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitepulse_events_flushed_total",
				Help: "Buffered events written by a flush",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitepulse_query_duration_seconds",
				Help:    "Aggregation query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"metric"},
		),
		QueryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_query_errors_total",
				Help: "Total number of failed aggregation queries",
			},
			[]string{"metric", "kind"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_query_cache_hits_total",
				Help: "Query results served from the result cache",
			},
			[]string{"metric"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_query_cache_misses_total",
				Help: "Query results computed from the store",
			},
			[]string{"metric"},
		),
		UsageCounterErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitepulse_usage_counter_errors_total",
				Help: "Failed running usage counter updates or reads",
			},
		),
		RetentionPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitepulse_retention_purged_total",
				Help: "Events deleted by the retention job",
			},
		),
	}

	registry.MustRegister(
		m.EventsIngestedTotal,
		m.EventsDroppedTotal,
		m.RetryBufferDepth,
		m.FlushedEventsTotal,
		m.QueryDuration,
		m.QueryErrorsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.UsageCounterErrorsTotal,
		m.RetentionPurgedTotal,
	)

	return m
}

func (m *Metrics) RecordIngest(result string) {
	if m == nil {
		return
	}
	m.EventsIngestedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDroppedTotal.Add(float64(n))
}

func (m *Metrics) RecordFlushed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FlushedEventsTotal.Add(float64(n))
}

func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.RetryBufferDepth.Set(float64(n))
}

func (m *Metrics) ObserveQuery(metric string, started time.Time) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(metric).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordQueryError(metric, kind string) {
	if m == nil {
		return
	}
	m.QueryErrorsTotal.WithLabelValues(metric, kind).Inc()
}

func (m *Metrics) RecordCache(metric string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(metric).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordUsageCounterError() {
	if m == nil {
		return
	}
	m.UsageCounterErrorsTotal.Inc()
}

func (m *Metrics) RecordPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionPurgedTotal.Add(float64(n))
}
