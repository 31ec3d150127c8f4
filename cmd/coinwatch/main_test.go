package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinwatch/internal/cache"
	"coinwatch/internal/core"
	"coinwatch/internal/freshness"
	"coinwatch/internal/market"
	"coinwatch/internal/poll"
	"coinwatch/internal/prefs"
	"coinwatch/internal/retry"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-once", "-currency", "eur", "-interval", "1m", "-top", "10", "-sort", "24h", "-asc"})
	require.NoError(t, err)
	assert.True(t, o.once)
	assert.Equal(t, "eur", o.currency)
	assert.Equal(t, time.Minute, o.interval)
	assert.Equal(t, 10, o.top)
	assert.Equal(t, "24h", o.sort)
	assert.True(t, o.asc)

	_, err = parseFlags([]string{"-top", "-1"})
	assert.Error(t, err)
}

func TestApplyPrefFlags(t *testing.T) {
	store := prefs.NewStore("")
	var out bytes.Buffer

	p, err := applyPrefFlags(store, options{currency: "gbp", interval: 45 * time.Second, watch: "bitcoin"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "GBP", p.Currency)
	assert.Equal(t, 45*time.Second, p.RefreshInterval)
	assert.True(t, p.InWatchlist("bitcoin"))
	assert.Equal(t, "bitcoin added to the watchlist\n", out.String())

	out.Reset()
	p, err = applyPrefFlags(store, options{watch: "bitcoin"}, &out)
	require.NoError(t, err)
	assert.False(t, p.InWatchlist("bitcoin"))
	assert.Equal(t, "GBP", p.Currency, "earlier choices persist")

	_, err = applyPrefFlags(store, options{theme: "sepia"}, &out)
	assert.Error(t, err)
	p, err = applyPrefFlags(store, options{theme: prefs.ThemeDark}, &out)
	require.NoError(t, err)
	assert.Equal(t, prefs.ThemeDark, p.Theme)
	assert.Equal(t, "bitcoin removed from the watchlist\n", out.String())
}

func TestDashboardOnTick(t *testing.T) {
	var out bytes.Buffer
	d := &dashboard{out: &out, view: market.View{}}

	d.onTick(poll.TickResult{NextIn: 30 * time.Second})
	assert.Empty(t, out.String())

	d.onTick(poll.TickResult{Err: core.NewThrottledError("slow down", 0), NextIn: 20 * time.Second})
	assert.Equal(t, "Rate limited, backing off (next refresh in 20s)\n", out.String())

	out.Reset()
	d.onTick(poll.TickResult{Err: core.NewTransientError(0, "dial failed", nil), NextIn: 10 * time.Second})
	assert.Equal(t, "Network error, backing off (next refresh in 10s)\n", out.String())
}

func TestDashboardTickSurfacesUpstreamFailures(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":64000,"market_cap_rank":1}]`))
	}))
	defer upstream.Close()

	fc := freshness.New(cache.NewMemoryStore(8), freshness.Options{})
	t.Cleanup(func() { _ = fc.Close() })
	svc := market.NewService(
		market.NewClient(market.ClientConfig{BaseURL: upstream.URL}),
		fc,
		retry.New(retry.Options{MaxAttempts: 1, Jitter: -1}),
	)

	var out bytes.Buffer
	d := &dashboard{
		service:  svc,
		out:      &out,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		currency: "USD",
	}
	ctx := context.Background()

	require.NoError(t, d.refresh(ctx, false))
	require.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out.String(), "Bitcoin")

	failing.Store(true)

	// A stale-allowed read hides the outage behind the stored page.
	require.NoError(t, d.refresh(ctx, false))

	before := calls.Load()
	err := d.tick(ctx)
	require.Error(t, err)
	assert.False(t, core.IsOffline(err))
	assert.Greater(t, calls.Load(), before)
}
