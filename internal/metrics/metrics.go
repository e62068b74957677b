// Package metrics provides Prometheus instrumentation for the flaggate
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flaggate metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jurisai/flaggate/internal/engine"
)

// Metrics holds all Prometheus collectors used by the flaggate server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	Invalidations       prometheus.Counter
	InvalidationErrors  prometheus.Counter
	InvalidatedEntries  prometheus.Counter
	FailClosedTotal     *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
	DBPoolAcquired      prometheus.Gauge
	DBPoolIdle          prometheus.Gauge
	DBPoolTotal         prometheus.Gauge
}

// New creates and registers all flaggate metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flaggate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_cache_hits_total",
			Help: "Total number of cache hits by namespace.",
		}, []string{"namespace"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_cache_misses_total",
			Help: "Total number of cache misses by namespace.",
		}, []string{"namespace"}),

		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_invalidations_total",
			Help: "Total number of flag cache invalidations.",
		}),

		InvalidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_invalidation_errors_total",
			Help: "Total number of failed flag cache invalidations.",
		}),

		InvalidatedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_invalidated_entries_total",
			Help: "Total number of cache entries removed by invalidations.",
		}),

		FailClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_fail_closed_total",
			Help: "Total number of evaluations that failed closed, by reason.",
		}, []string{"reason"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		DBPoolAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_db_pool_acquired",
			Help: "Number of currently acquired database connections.",
		}),

		DBPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_db_pool_idle",
			Help: "Number of idle database connections in the pool.",
		}),

		DBPoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_db_pool_total",
			Help: "Total number of database connections in the pool.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.Invalidations,
		m.InvalidationErrors,
		m.InvalidatedEntries,
		m.FailClosedTotal,
		m.AuthFailuresTotal,
		m.DBPoolAcquired,
		m.DBPoolIdle,
		m.DBPoolTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// EngineHooks adapts the collectors to the engine's metric hook callbacks.
func (m *Metrics) EngineHooks() engine.MetricHooks {
	return engine.MetricHooks{
		Evaluation: m.RecordEvaluation,
		CacheHit: func(namespace string) {
			m.CacheHitsTotal.WithLabelValues(namespace).Inc()
		},
		CacheMiss: func(namespace string) {
			m.CacheMissesTotal.WithLabelValues(namespace).Inc()
		},
		FailClosed: func(reason string) {
			m.FailClosedTotal.WithLabelValues(reason).Inc()
		},
		Invalidation: func(deleted int) {
			m.Invalidations.Inc()
			m.InvalidatedEntries.Add(float64(deleted))
		},
		InvalidationError: m.InvalidationErrors.Inc,
	}
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// DBPoolStats holds connection pool statistics for metric updates.
type DBPoolStats struct {
	Acquired float64
	Idle     float64
	Total    float64
}

// SetDBPoolStats updates the DB pool gauges.
func (m *Metrics) SetDBPoolStats(stats DBPoolStats) {
	m.DBPoolAcquired.Set(stats.Acquired)
	m.DBPoolIdle.Set(stats.Idle)
	m.DBPoolTotal.Set(stats.Total)
}
