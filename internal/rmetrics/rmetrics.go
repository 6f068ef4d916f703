// Package rmetrics registers the proxy's Prometheus metrics: worker load,
// classifier cache hit/miss/eviction counts, connection pool occupancy,
// routing-plan cause counts, and transaction-replay outcomes.
package rmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this proxy exposes.
type Collector struct {
	workerLoad1s  *prometheus.GaugeVec
	workerLoad1m  *prometheus.GaugeVec
	workerLoad1h  *prometheus.GaugeVec
	workerQueueLen *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheBytes     *prometheus.GaugeVec

	poolIdle    *prometheus.GaugeVec
	poolInUse   *prometheus.GaugeVec
	poolWaiters *prometheus.GaugeVec

	routeCauseTotal *prometheus.CounterVec

	replayAttemptsTotal *prometheus.CounterVec
	replayOutcomeTotal  *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec
}

// New builds and registers a Collector against the default registry.
func New() *Collector {
	c := &Collector{
		workerLoad1s: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_worker_load_1s",
			Help: "Fraction of the last 1s window a worker spent outside its wait call",
		}, []string{"worker"}),
		workerLoad1m: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_worker_load_1m",
			Help: "Sliding 1-minute average of worker busy fraction",
		}, []string{"worker"}),
		workerLoad1h: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_worker_load_1h",
			Help: "Sliding 1-hour average of worker busy fraction",
		}, []string{"worker"}),
		workerQueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_worker_queue_length",
			Help: "Number of tasks currently queued on a worker",
		}, []string{"worker"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwsplit_classifier_cache_hits_total",
			Help: "Classifier cache hits per worker",
		}, []string{"worker"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwsplit_classifier_cache_misses_total",
			Help: "Classifier cache misses per worker",
		}, []string{"worker"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwsplit_classifier_cache_evictions_total",
			Help: "Classifier cache entries evicted under byte-cap pressure per worker",
		}, []string{"worker"}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_classifier_cache_bytes",
			Help: "Estimated bytes currently resident in a worker's classifier cache",
		}, []string{"worker"}),

		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_pool_idle_connections",
			Help: "Idle pooled connections per worker per backend server",
		}, []string{"worker", "server"}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_pool_in_use_connections",
			Help: "In-use connections per worker per backend server",
		}, []string{"worker", "server"}),
		poolWaiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwsplit_pool_waiters",
			Help: "Endpoints currently queued waiting for a connection slot",
		}, []string{"worker", "server"}),

		routeCauseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwsplit_route_plan_cause_total",
			Help: "Routing decisions by cause",
		}, []string{"cause", "mode"}),

		replayAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwsplit_transaction_replay_attempts_total",
			Help: "Transaction replay attempts",
		}, []string{"worker"}),
		replayOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwsplit_transaction_replay_outcome_total",
			Help: "Transaction replay outcomes (succeeded, mismatch, exhausted)",
		}, []string{"outcome"}),

		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rwsplit_query_duration_seconds",
			Help:    "Duration of a routed statement from RouteQuery to ClientReply",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"mode"}),
	}

	prometheus.MustRegister(
		c.workerLoad1s, c.workerLoad1m, c.workerLoad1h, c.workerQueueLen,
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheBytes,
		c.poolIdle, c.poolInUse, c.poolWaiters,
		c.routeCauseTotal,
		c.replayAttemptsTotal, c.replayOutcomeTotal,
		c.queryDuration,
	)
	return c
}

// ObserveWorkerLoad records one worker's current load-meter readings.
func (c *Collector) ObserveWorkerLoad(worker string, load1s, load1m, load1h float64, queueLen int) {
	c.workerLoad1s.WithLabelValues(worker).Set(load1s)
	c.workerLoad1m.WithLabelValues(worker).Set(load1m)
	c.workerLoad1h.WithLabelValues(worker).Set(load1h)
	c.workerQueueLen.WithLabelValues(worker).Set(float64(queueLen))
}

// CacheHit/CacheMiss/CacheEviction record one classifier-cache event.
func (c *Collector) CacheHit(worker string)      { c.cacheHits.WithLabelValues(worker).Inc() }
func (c *Collector) CacheMiss(worker string)     { c.cacheMisses.WithLabelValues(worker).Inc() }
func (c *Collector) CacheEviction(worker string) { c.cacheEvictions.WithLabelValues(worker).Inc() }

// SetCacheBytes reports a worker's current cache byte usage.
func (c *Collector) SetCacheBytes(worker string, bytes int) {
	c.cacheBytes.WithLabelValues(worker).Set(float64(bytes))
}

// SetPoolStats reports one worker/server pair's current pool occupancy.
func (c *Collector) SetPoolStats(worker, server string, idle, inUse, waiters int) {
	c.poolIdle.WithLabelValues(worker, server).Set(float64(idle))
	c.poolInUse.WithLabelValues(worker, server).Set(float64(inUse))
	c.poolWaiters.WithLabelValues(worker, server).Set(float64(waiters))
}

// RouteDecision records a routing-plan resolution by cause and mode.
func (c *Collector) RouteDecision(cause, mode string) {
	c.routeCauseTotal.WithLabelValues(cause, mode).Inc()
}

// ReplayAttempt/ReplayOutcome record transaction-replay bookkeeping.
func (c *Collector) ReplayAttempt(worker string) { c.replayAttemptsTotal.WithLabelValues(worker).Inc() }
func (c *Collector) ReplayOutcome(outcome string) {
	c.replayOutcomeTotal.WithLabelValues(outcome).Inc()
}

// ObserveQueryDuration records how long one routed statement took.
func (c *Collector) ObserveQueryDuration(mode string, seconds float64) {
	c.queryDuration.WithLabelValues(mode).Observe(seconds)
}
