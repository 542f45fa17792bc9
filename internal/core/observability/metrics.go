package observability

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route"},
	)

	ingestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Ingest outcomes: inserted, duplicate, rejected, failed.",
		},
		[]string{"outcome"},
	)

	geoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_lookups_total",
			Help: "Geo enrichment lookups by result.",
		},
		[]string{"result"},
	)

	geoUpstreamLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geo_upstream_latency_seconds",
			Help:    "Latency of outbound geo lookups.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	geoCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geo_cache_entries",
			Help: "Entries currently held by the in-process geo cache.",
		},
	)

	modelFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_failures_total",
			Help: "Inference failures per model tag.",
		},
		[]string{"model"},
	)

	scoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoring_duration_seconds",
			Help:    "End-to-end ensemble scoring latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	scoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_distribution",
			Help:    "Distribution of final ensemble scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	storeWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "store_write_duration_seconds",
			Help:    "Store write latency including queue wait.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	storeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_queue_depth",
			Help: "Writes currently queued for the store writer.",
		},
	)

	errorKindsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_kinds_total",
			Help: "Errors by taxonomy kind.",
		},
		[]string{"kind"},
	)

	alertEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_events_total",
			Help: "Alert publisher outcomes: published, suppressed, dropped.",
		},
		[]string{"result"},
	)

	streamDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_dropped_total",
			Help: "Live-stream events dropped because a subscriber was slow.",
		},
	)

	cacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_ops_total",
			Help: "Shared geo cache operations by op and result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Shared geo cache operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	activitySources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "activity_tracked_sources",
			Help: "Source addresses currently carrying activity heat.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

func IncIngest(outcome string) {
	ingestEventsTotal.WithLabelValues(outcome).Inc()
}

func IncGeoLookup(result string) {
	geoLookupsTotal.WithLabelValues(result).Inc()
}

func ObserveGeoUpstream(durationSeconds float64) {
	geoUpstreamLatency.Observe(durationSeconds)
}

func SetGeoCacheEntries(n int) {
	geoCacheEntries.Set(float64(n))
}

// ObserveCacheOp records one shared-cache operation against the geo L2.
func ObserveCacheOp(op string, err error, seconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpsTotal.WithLabelValues(op, result).Inc()
	cacheOpDuration.WithLabelValues(op).Observe(seconds)
}

func IncModelFailure(model string) {
	modelFailuresTotal.WithLabelValues(model).Inc()
}

func ObserveScoring(durationSeconds float64) {
	scoringDuration.Observe(durationSeconds)
}

func ObserveScore(value float64) {
	scoreDistribution.Observe(value)
}

func ObserveStoreWrite(durationSeconds float64) {
	storeWriteDuration.Observe(durationSeconds)
}

func SetStoreQueueDepth(n int) {
	storeQueueDepth.Set(float64(n))
}

func IncAlertResult(result string) {
	alertEventsTotal.WithLabelValues(result).Inc()
}

func IncStreamDropped() {
	streamDroppedTotal.Inc()
}

func SetActivitySources(n int) {
	activitySources.Set(float64(n))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

// Error-kind counters are mirrored in-process so /health can report a
// snapshot without scraping Prometheus.
var errorKindCounts sync.Map // string -> *atomic.Int64

func IncErrorKind(kind string) {
	if kind == "" {
		return
	}
	errorKindsTotal.WithLabelValues(kind).Inc()
	v, _ := errorKindCounts.LoadOrStore(kind, new(atomic.Int64))
	if c, ok := v.(*atomic.Int64); ok {
		c.Add(1)
	}
}

// ErrorKindCounts returns the current error counts by kind.
func ErrorKindCounts() map[string]int64 {
	out := map[string]int64{}
	errorKindCounts.Range(func(k, v any) bool {
		key, ok1 := k.(string)
		c, ok2 := v.(*atomic.Int64)
		if ok1 && ok2 {
			out[key] = c.Load()
		}
		return true
	})
	return out
}
