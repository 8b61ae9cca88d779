// Package metrics exposes Prometheus metrics for the search path, the split
// cache, and the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Search path Prometheus metrics.
var (
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "queries_total",
			Help:      "Total number of search queries",
		},
		[]string{"index", "status"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "grain",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"index"},
	)

	SplitsSearchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "splits_searched_total",
			Help:      "Total number of splits searched",
		},
	)

	SplitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "split_failures_total",
			Help:      "Total number of permanent split failures",
		},
		[]string{"code"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "job_retries_total",
			Help:      "Total number of split jobs rescheduled after a failure",
		},
	)
)

// Split cache Prometheus metrics.
var (
	CacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "split_cache_total",
			Help:      "Split cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "split_cache_evictions_total",
			Help:      "Total number of split cache evictions",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "grain",
			Name:      "split_cache_bytes",
			Help:      "Resident bytes of cached split searchers",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "grain",
			Name:      "split_cache_entries",
			Help:      "Number of cached split searchers",
		},
	)
)

// Event bus Prometheus metrics.
var (
	BusPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grain",
			Name:      "bus_publish_total",
			Help:      "Total number of bus publishes",
		},
		[]string{"topic", "status"},
	)

	BusPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "grain",
			Name:      "bus_publish_duration_seconds",
			Help:      "Bus publish duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"topic"},
	)
)

var registered bool

// Register registers all collectors. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(
		QueriesTotal,
		QueryDuration,
		SplitsSearchedTotal,
		SplitFailuresTotal,
		JobRetriesTotal,
		CacheTotal,
		CacheEvictionsTotal,
		CacheBytes,
		CacheEntries,
		BusPublishTotal,
		BusPublishDuration,
	)
	registered = true
}

// CacheRecorder feeds split cache events into the Prometheus collectors. A
// zero value is ready to use.
type CacheRecorder struct{}

// RecordCacheHit counts a cache hit.
func (CacheRecorder) RecordCacheHit() { CacheTotal.WithLabelValues("hit").Inc() }

// RecordCacheMiss counts a cache miss.
func (CacheRecorder) RecordCacheMiss() { CacheTotal.WithLabelValues("miss").Inc() }

// RecordEviction counts an eviction.
func (CacheRecorder) RecordEviction() { CacheEvictionsTotal.Inc() }

// UpdateCacheSize tracks the cache's resident size.
func (CacheRecorder) UpdateCacheSize(bytes int64, entries int) {
	CacheBytes.Set(float64(bytes))
	CacheEntries.Set(float64(entries))
}

// BusRecorder feeds bus publish outcomes into the Prometheus collectors.
type BusRecorder struct{}

// RecordBusPublish counts one publish and its latency.
func (BusRecorder) RecordBusPublish(topic string, latencyMs int64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BusPublishTotal.WithLabelValues(topic, status).Inc()
	BusPublishDuration.WithLabelValues(topic).Observe(float64(latencyMs) / 1000)
}
