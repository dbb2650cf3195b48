// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal             *prometheus.CounterVec
	jobAttemptsTotal      *prometheus.CounterVec
	pagesFetchedTotal     *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	proxyPoolSize         prometheus.Gauge
	cacheLookupsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_total",
				Help: "Total jobs reaching a terminal state, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_job_attempts_total",
				Help: "Total handler invocations, labeled by job type.",
			},
			[]string{"type"},
		)

		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_pages_fetched_total",
				Help: "Total page fetches, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Delay introduced by the admission controller, labeled by domain.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"domain"},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_proxy_pool_size",
				Help: "Number of healthy endpoints in the egress pool.",
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cache_lookups_total",
				Help: "Cache lookups, labeled by tier and result.",
			},
			[]string{"tier", "result"},
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobTerminal records a job reaching a terminal status.
func ObserveJobTerminal(jobType, status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobAttempt records one handler invocation.
func ObserveJobAttempt(jobType string) {
	if jobAttemptsTotal == nil {
		return
	}
	jobAttemptsTotal.WithLabelValues(jobType).Inc()
}

// ObservePageFetch records one page fetch outcome ("ok" or "error").
func ObservePageFetch(domain, outcome string) {
	if pagesFetchedTotal == nil {
		return
	}
	pagesFetchedTotal.WithLabelValues(domain, outcome).Inc()
}

// ObserveRateLimitDelay records time spent waiting on admission.
func ObserveRateLimitDelay(domain string, delay time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// SetProxyPoolSize publishes the current healthy pool size.
func SetProxyPoolSize(n int) {
	if proxyPoolSize == nil {
		return
	}
	proxyPoolSize.Set(float64(n))
}

// ObserveCacheLookup records a cache lookup result ("hit", "miss", "expired").
func ObserveCacheLookup(tier, result string) {
	if cacheLookupsTotal == nil {
		return
	}
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}
