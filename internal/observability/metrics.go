package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatlens"

// Metrics holds Prometheus metrics for threatlens. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Feed metrics
	FeedSyncs        *prometheus.CounterVec
	FeedRecords      *prometheus.CounterVec
	FeedSyncDuration *prometheus.HistogramVec

	// Store metrics
	IndicatorsUpserted *prometheus.CounterVec

	// Geo metrics
	GeoLookups        *prometheus.CounterVec
	GeoLookupDuration prometheus.Histogram
	GeoCacheRequests  *prometheus.CounterVec
	GeoQueueDepth     prometheus.Gauge

	// Correlation metrics
	GraphBuilds *prometheus.CounterVec
	GraphEdges  prometheus.Histogram

	// Scheduler metrics
	JobRuns  *prometheus.CounterVec
	JobSkips *prometheus.CounterVec

	// Event metrics
	EventsPublished *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FeedSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_syncs_total",
				Help:      "Feed sync attempts by feed and status",
			},
			[]string{"feed", "status"},
		),
		FeedRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_records_total",
				Help:      "Feed records by outcome (processed, skipped, rejected)",
			},
			[]string{"feed", "outcome"},
		),
		FeedSyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feed_sync_duration_seconds",
				Help:      "Feed fetch and merge duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"feed"},
		),
		IndicatorsUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indicators_upserted_total",
				Help:      "Indicator upserts by type and result",
			},
			[]string{"type", "result"},
		),
		GeoLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geo_lookups_total",
				Help:      "Geo lookups resolved by source (api, fallback)",
			},
			[]string{"source"},
		),
		GeoLookupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_duration_seconds",
				Help:      "Outbound geo lookup latency",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
		GeoCacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geo_cache_requests_total",
				Help:      "Geo cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		GeoQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "geo_queue_depth",
				Help:      "Pending geo lookups",
			},
		),
		GraphBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_builds_total",
				Help:      "Correlation graph builds by status",
			},
			[]string{"status"},
		),
		GraphEdges: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graph_edges",
				Help:      "Edges per correlation graph",
				Buckets:   prometheus.LinearBuckets(0, 10, 6),
			},
		),
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Scheduled job runs by job and status",
			},
			[]string{"job", "status"},
		),
		JobSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_skips_total",
				Help:      "Scheduled ticks skipped because the previous run was still active",
			},
			[]string{"job"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published by subject and status",
			},
			[]string{"subject", "status"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// FeedSynced records the outcome of one feed sync.
func (m *Metrics) FeedSynced(feed, status string, d time.Duration, processed, skipped, rejected int) {
	if m == nil {
		return
	}
	m.FeedSyncs.WithLabelValues(feed, status).Inc()
	m.FeedSyncDuration.WithLabelValues(feed).Observe(d.Seconds())
	m.FeedRecords.WithLabelValues(feed, "processed").Add(float64(processed))
	m.FeedRecords.WithLabelValues(feed, "skipped").Add(float64(skipped))
	m.FeedRecords.WithLabelValues(feed, "rejected").Add(float64(rejected))
}

// IndicatorUpserted counts one upsert.
func (m *Metrics) IndicatorUpserted(typ string, created bool) {
	if m == nil {
		return
	}
	result := "updated"
	if created {
		result = "created"
	}
	m.IndicatorsUpserted.WithLabelValues(typ, result).Inc()
}

// GeoLookup records an outbound or fallback geo resolution.
func (m *Metrics) GeoLookup(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.GeoLookups.WithLabelValues(source).Inc()
	if d > 0 {
		m.GeoLookupDuration.Observe(d.Seconds())
	}
}

// GeoCache records a cache hit or miss.
func (m *Metrics) GeoCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.GeoCacheRequests.WithLabelValues("hit").Inc()
		return
	}
	m.GeoCacheRequests.WithLabelValues("miss").Inc()
}

// GeoQueue sets the current queue depth.
func (m *Metrics) GeoQueue(depth int) {
	if m == nil {
		return
	}
	m.GeoQueueDepth.Set(float64(depth))
}

// GraphBuilt records a correlation graph build.
func (m *Metrics) GraphBuilt(status string, edges int) {
	if m == nil {
		return
	}
	m.GraphBuilds.WithLabelValues(status).Inc()
	m.GraphEdges.Observe(float64(edges))
}

// JobRan records a completed scheduled job.
func (m *Metrics) JobRan(job, status string) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
}

// JobSkipped records a tick dropped by the non-overlap guard.
func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.JobSkips.WithLabelValues(job).Inc()
}

// EventPublished records an event publish attempt.
func (m *Metrics) EventPublished(subject string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(subject, status).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
