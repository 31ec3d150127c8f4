package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CacheRead(TierSession, "stale")
	m.CacheRead(TierSession, "stale")
	m.CacheRead(TierIntercept, "miss")
	m.Revalidation(TierSession, errors.New("boom"))
	m.Revalidation(TierSession, nil)
	m.RetryAttempt("markets")
	m.RetriesExhausted("markets")
	m.PollTick(errors.New("throttled"), 20*time.Second)
	m.InterceptResponse("data", "synthetic")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheReads.WithLabelValues(TierSession, "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheReads.WithLabelValues(TierIntercept, "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revalidations.WithLabelValues(TierSession, "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revalidations.WithLabelValues(TierSession, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retryAttempts.WithLabelValues("markets")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesExhausted.WithLabelValues("markets")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollTicks.WithLabelValues("failure")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.pollBackoff))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.interceptResponse.WithLabelValues("data", "synthetic")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.CacheRead(TierSession, "hit")
		m.Revalidation(TierSession, nil)
		m.RetryAttempt("detail")
		m.RetriesExhausted("detail")
		m.UpstreamRequest("detail", "200", time.Second)
		m.PollTick(nil, 0)
		m.InterceptResponse("static", "hit")
	})
}
