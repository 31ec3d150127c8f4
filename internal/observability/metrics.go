// Package observability exposes Prometheus metrics for the cache tiers, the
// retry executor and the poll scheduler.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coinwatch"

// Tier labels
const (
	TierSession   = "session"
	TierIntercept = "intercept"
)

// Metrics holds all collectors.
type Metrics struct {
	cacheReads        *prometheus.CounterVec
	revalidations     *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	retriesExhausted  *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	pollTicks         *prometheus.CounterVec
	pollBackoff       prometheus.Gauge
	interceptResponse *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. Passing nil uses the default
// registerer, which is what promhttp.Handler serves.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		cacheReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reads_total",
			Help:      "Cache reads by tier and outcome (hit, stale, miss).",
		}, []string{"tier", "outcome"}),
		revalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_revalidations_total",
			Help:      "Background revalidations by tier and result.",
		}, []string{"tier", "result"}),
		retryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retries scheduled after a failed attempt, by operation.",
		}, []string{"operation"}),
		retriesExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Operations that spent their whole retry budget.",
		}, []string{"operation"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of upstream market API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		pollTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Poll scheduler ticks by result.",
		}, []string{"result"}),
		pollBackoff: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_backoff_seconds",
			Help:      "Current additional poll delay caused by failures.",
		}),
		interceptResponse: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercept_responses_total",
			Help:      "Responses served by the interception tier, by class and source.",
		}, []string{"class", "source"}),
	}
}

func (m *Metrics) CacheRead(tier, outcome string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) Revalidation(tier string, err error) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(tier, result(err)).Inc()
}

func (m *Metrics) RetryAttempt(operation string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(operation).Inc()
}

func (m *Metrics) RetriesExhausted(operation string) {
	if m == nil {
		return
	}
	m.retriesExhausted.WithLabelValues(operation).Inc()
}

func (m *Metrics) UpstreamRequest(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

func (m *Metrics) PollTick(err error, backoff time.Duration) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result(err)).Inc()
	m.pollBackoff.Set(backoff.Seconds())
}

func (m *Metrics) InterceptResponse(class, source string) {
	if m == nil {
		return
	}
	m.interceptResponse.WithLabelValues(class, source).Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
