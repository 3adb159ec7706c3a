package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	queryTotal       *prometheus.CounterVec
	cacheLatency     prometheus.Observer
	cacheWrite       prometheus.Observer
	cacheHitRatio    prometheus.Gauge
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheInvalidated prometheus.Counter
	replicaFallbacks prometheus.Counter
	replicaHealthy   prometheus.Gauge
	refreshDuration  *prometheus.HistogramVec
	refreshRows      *prometheus.GaugeVec
	refreshFailures  *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobFailures      *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	runsDropped      prometheus.Counter

	cacheHitCount     uint64
	cacheMissCount    uint64
	requestCount      uint64
	queryCount        uint64
	queryDurationNs   uint64
	fallbackCount     uint64
	refreshCount      uint64
	refreshErrorCount uint64
	jobFailureCount   uint64
}

// NewMetricsService registers the warehouse Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	queryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warehouse_query_duration_seconds",
		Help:    "Duration of catalog query executions",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"query", "source"})

	queryTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_query_executions_total",
		Help: "Catalog query executions by outcome",
	}, []string{"query", "source", "outcome"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warehouse_cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warehouse_cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warehouse_cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_cache_misses_total",
		Help: "Total cache misses",
	})

	cacheInvalidated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_cache_invalidated_keys_total",
		Help: "Cache keys removed by invalidation",
	})

	replicaFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_replica_fallbacks_total",
		Help: "Queries re-run on the primary after a replica failure",
	})

	replicaHealthy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warehouse_replica_healthy",
		Help: "1 when the read replica is considered healthy",
	})

	refreshDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warehouse_view_refresh_duration_seconds",
		Help:    "Duration of aggregate view refreshes",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"view"})

	refreshRows := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warehouse_view_rows",
		Help: "Rows written by the last successful refresh",
	}, []string{"view"})

	refreshFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_view_refresh_failures_total",
		Help: "Failed aggregate view refreshes",
	}, []string{"view"})

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_job_runs_total",
		Help: "Scheduled job runs by final state",
	}, []string{"job", "state"})

	jobFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_job_failures_total",
		Help: "Scheduled job runs that exhausted their retries",
	}, []string{"job"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warehouse_job_duration_seconds",
		Help:    "Duration of scheduled job runs including retries",
		Buckets: []float64{.1, 1, 5, 30, 60, 300, 900, 1800},
	}, []string{"job"})

	runsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_execution_runs_dropped_total",
		Help: "Execution run records dropped because the recorder queue was full",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		requestDuration, requestTotal,
		queryDuration, queryTotal,
		cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, cacheInvalidated,
		replicaFallbacks, replicaHealthy,
		refreshDuration, refreshRows, refreshFailures,
		jobRuns, jobFailures, jobDuration,
		runsDropped, goroutines,
	)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		queryDuration:    queryDuration,
		queryTotal:       queryTotal,
		cacheLatency:     cacheLatency,
		cacheWrite:       cacheWrite,
		cacheHitRatio:    cacheHitRatio,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		cacheInvalidated: cacheInvalidated,
		replicaFallbacks: replicaFallbacks,
		replicaHealthy:   replicaHealthy,
		refreshDuration:  refreshDuration,
		refreshRows:      refreshRows,
		refreshFailures:  refreshFailures,
		jobRuns:          jobRuns,
		jobFailures:      jobFailures,
		jobDuration:      jobDuration,
		runsDropped:      runsDropped,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// ObserveQuery records one catalog query execution.
func (m *MetricsService) ObserveQuery(query, source string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.queryDuration.WithLabelValues(query, source).Observe(duration.Seconds())
	m.queryTotal.WithLabelValues(query, source, outcome).Inc()
	atomic.AddUint64(&m.queryCount, 1)
	atomic.AddUint64(&m.queryDurationNs, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// AddInvalidated counts keys removed by an invalidation.
func (m *MetricsService) AddInvalidated(keys int64) {
	if m == nil || keys <= 0 {
		return
	}
	m.cacheInvalidated.Add(float64(keys))
}

// RecordReplicaFallback counts a replica failure absorbed by the primary.
func (m *MetricsService) RecordReplicaFallback() {
	if m == nil {
		return
	}
	m.replicaFallbacks.Inc()
	atomic.AddUint64(&m.fallbackCount, 1)
}

// SetReplicaHealthy publishes the replica health marker.
func (m *MetricsService) SetReplicaHealthy(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.replicaHealthy.Set(1)
		return
	}
	m.replicaHealthy.Set(0)
}

// ObserveRefresh records a view refresh outcome.
func (m *MetricsService) ObserveRefresh(view string, duration time.Duration, rows int64, err error) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.refreshCount, 1)
	if err != nil {
		m.refreshFailures.WithLabelValues(view).Inc()
		atomic.AddUint64(&m.refreshErrorCount, 1)
		return
	}
	m.refreshDuration.WithLabelValues(view).Observe(duration.Seconds())
	m.refreshRows.WithLabelValues(view).Set(float64(rows))
}

// ObserveJobRun records the final state of a job run.
func (m *MetricsService) ObserveJobRun(run models.JobRun) {
	if m == nil {
		return
	}
	job := string(run.Job)
	m.jobRuns.WithLabelValues(job, string(run.State)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(run.Duration.Seconds())
	if run.State == models.JobStateFailed {
		m.jobFailures.WithLabelValues(job).Inc()
		atomic.AddUint64(&m.jobFailureCount, 1)
	}
}

// RecordDroppedRun counts an execution run the recorder could not queue.
func (m *MetricsService) RecordDroppedRun() {
	if m == nil {
		return
	}
	m.runsDropped.Inc()
}

// Snapshot returns aggregated counters for the admin metrics endpoint.
func (m *MetricsService) Snapshot() models.MetricsSnapshot {
	if m == nil {
		return models.MetricsSnapshot{GeneratedAt: time.Now().UTC()}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	queries := atomic.LoadUint64(&m.queryCount)
	queryNs := atomic.LoadUint64(&m.queryDurationNs)

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	var avgQueryMs float64
	if queries > 0 {
		avgQueryMs = float64(queryNs) / float64(queries) / float64(time.Millisecond)
	}

	return models.MetricsSnapshot{
		CacheHitRatio:          ratio,
		CacheHits:              hits,
		CacheMisses:            misses,
		RequestsTotal:          atomic.LoadUint64(&m.requestCount),
		QueriesTotal:           queries,
		AverageQueryDurationMs: avgQueryMs,
		ReplicaFallbacks:       atomic.LoadUint64(&m.fallbackCount),
		ViewRefreshes:          atomic.LoadUint64(&m.refreshCount),
		ViewRefreshFailures:    atomic.LoadUint64(&m.refreshErrorCount),
		JobFailures:            atomic.LoadUint64(&m.jobFailureCount),
		Goroutines:             runtime.NumGoroutine(),
		GeneratedAt:            time.Now().UTC(),
	}
}
