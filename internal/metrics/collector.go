// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records pool and router metrics. A nil *Collector is a
// valid no-op recorder.
type Collector struct {
	// pool
	chunksDispatched *prometheus.CounterVec
	chunksCompleted  *prometheus.CounterVec
	chunksRequeued   *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	tasksTotal       *prometheus.CounterVec
	devicesOnline    prometheus.Gauge
	devicesEvicted   prometheus.Counter

	// router
	routeDecisions *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	fallbacks      prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers all collectors under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.chunksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_chunks_dispatched_total",
			Help:      "Total number of chunks dispatched to workers",
		},
		[]string{"capability"},
	)

	c.chunksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_chunks_completed_total",
			Help:      "Total number of chunks completed by workers",
		},
		[]string{"capability"},
	)

	c.chunksRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_chunks_requeued_total",
			Help:      "Total number of chunks requeued after a worker timeout or failure",
		},
		[]string{"reason"},
	)

	c.chunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_chunk_duration_seconds",
			Help:      "Chunk turnaround time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability"},
	)

	c.tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_tasks_total",
			Help:      "Total number of settled pool tasks",
		},
		[]string{"status"}, // done, failed, cancelled
	)

	c.devicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_devices_online",
			Help:      "Number of authenticated pool devices",
		},
	)

	c.devicesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_devices_evicted_total",
			Help:      "Total number of devices evicted for repeated timeouts",
		},
	)

	c.routeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"target", "method"}, // target: local, distributed; method: llm, keyword, cache
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.fallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_fallbacks_total",
			Help:      "Total number of distributed requests retried locally",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordChunkDispatch records a chunk handed to a worker.
func (c *Collector) RecordChunkDispatch(capability string) {
	if c == nil {
		return
	}
	c.chunksDispatched.WithLabelValues(capability).Inc()
}

// RecordChunkComplete records a finished chunk and its turnaround time.
func (c *Collector) RecordChunkComplete(capability string, duration time.Duration) {
	if c == nil {
		return
	}
	c.chunksCompleted.WithLabelValues(capability).Inc()
	c.chunkDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordChunkRequeue records a chunk sent back to the queue.
func (c *Collector) RecordChunkRequeue(reason string) {
	if c == nil {
		return
	}
	c.chunksRequeued.WithLabelValues(reason).Inc()
}

// RecordTaskSettled records a task reaching a terminal state.
func (c *Collector) RecordTaskSettled(status string) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(status).Inc()
}

// SetDevicesOnline records the current pool size.
func (c *Collector) SetDevicesOnline(n int) {
	if c == nil {
		return
	}
	c.devicesOnline.Set(float64(n))
}

// RecordDeviceEvicted records a device removed for repeated timeouts.
func (c *Collector) RecordDeviceEvicted() {
	if c == nil {
		return
	}
	c.devicesEvicted.Inc()
}

// RecordRouteDecision records where a request was routed and how the
// decision was made.
func (c *Collector) RecordRouteDecision(target, method string) {
	if c == nil {
		return
	}
	c.routeDecisions.WithLabelValues(target, method).Inc()
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordFallback records a distributed request completed locally instead.
func (c *Collector) RecordFallback() {
	if c == nil {
		return
	}
	c.fallbacks.Inc()
}
