package intercept

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream is a controllable httptest server counting hits per path.
type upstream struct {
	*httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	status atomic.Int32
	body   atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{hits: make(map[string]int)}
	u.status.Store(http.StatusOK)
	u.body.Store(`[{"id":"bitcoin"}]`)
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		status := int(u.status.Load())
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "5")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, u.body.Load().(string))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func newTestTransport(t *testing.T, data, static []string) (*Transport, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	tr, err := NewTransport(http.DefaultTransport, store, Config{
		DataOrigins:   data,
		StaticOrigins: static,
		DataTTL:       2 * time.Minute,
	})
	require.NoError(t, err)
	clock := time.UnixMilli(1_700_000_000_000)
	tr.now = func() time.Time { return clock }
	return tr, store, &clock
}

func get(t *testing.T, tr http.RoundTripper, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestTransport_DataMissThenHit(t *testing.T) {
	up := newUpstream(t)
	tr, _, clock := newTestTransport(t, []string{up.URL}, nil)

	resp, body := get(t, tr, up.URL+"/coins/markets?vs_currency=usd")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, SourceMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, strconv.FormatInt(clock.UnixMilli(), 10), resp.Header.Get(HeaderCachedAt))
	assert.JSONEq(t, `[{"id":"bitcoin"}]`, body)

	*clock = clock.Add(time.Minute)
	up.body.Store(`[{"id":"ethereum"}]`)

	resp, body = get(t, tr, up.URL+"/coins/markets?vs_currency=usd")
	assert.Equal(t, SourceHit, resp.Header.Get(HeaderCache))
	assert.JSONEq(t, `[{"id":"bitcoin"}]`, body)

	tr.Wait()
	assert.Equal(t, 1, up.count("/coins/markets"), "fresh hit must not reach the network")
}

func TestTransport_DataStaleServesAndRefetches(t *testing.T) {
	up := newUpstream(t)
	tr, store, clock := newTestTransport(t, []string{up.URL}, nil)
	url := up.URL + "/coins/markets?vs_currency=usd"

	get(t, tr, url)
	*clock = clock.Add(2*time.Minute + time.Second)
	up.body.Store(`[{"id":"ethereum"}]`)

	resp, body := get(t, tr, url)
	assert.Equal(t, SourceStale, resp.Header.Get(HeaderCache))
	assert.JSONEq(t, `[{"id":"bitcoin"}]`, body)

	tr.Wait()
	assert.Equal(t, 2, up.count("/coins/markets"))

	entry, err := store.Get(context.Background(), RuntimeNamespace, "GET "+url)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, `[{"id":"ethereum"}]`, string(entry.Body))
	assert.Equal(t, clock.UnixMilli(), entry.CachedAt.UnixMilli())
}

func TestTransport_DataRefetchFailureKeepsEntry(t *testing.T) {
	up := newUpstream(t)
	tr, store, clock := newTestTransport(t, []string{up.URL}, nil)
	url := up.URL + "/coins/bitcoin"

	get(t, tr, url)
	*clock = clock.Add(time.Hour)
	up.status.Store(http.StatusServiceUnavailable)

	resp, _ := get(t, tr, url)
	assert.Equal(t, SourceStale, resp.Header.Get(HeaderCache))
	tr.Wait()

	entry, err := store.Get(context.Background(), RuntimeNamespace, "GET "+url)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"bitcoin"}]`, string(entry.Body))
}

func TestTransport_DataOfflineMissIsSyntheticEmpty(t *testing.T) {
	up := newUpstream(t)
	origin := up.URL
	up.Close()

	tr, store, _ := newTestTransport(t, []string{origin}, nil)

	resp, body := get(t, tr, origin+"/coins/markets")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get(HeaderSynthetic))
	assert.Equal(t, SourceSynthetic, resp.Header.Get(HeaderCache))
	assert.Equal(t, `[]`, body)

	namespaces, _ := store.Namespaces(context.Background())
	assert.Empty(t, namespaces, "synthetic responses are never stored")
}

func TestTransport_DataNon2xxPassesThroughUnstored(t *testing.T) {
	up := newUpstream(t)
	up.status.Store(http.StatusTooManyRequests)
	tr, store, _ := newTestTransport(t, []string{up.URL}, nil)

	resp, _ := get(t, tr, up.URL+"/coins/markets")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))

	entry, err := store.Get(context.Background(), RuntimeNamespace, "GET "+up.URL+"/coins/markets")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTransport_StaticCacheFirst(t *testing.T) {
	up := newUpstream(t)
	up.body.Store(`body{}`)
	tr, _, clock := newTestTransport(t, nil, []string{up.URL})

	resp, body := get(t, tr, up.URL+"/styles/base.css")
	assert.Equal(t, SourceMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, `body{}`, body)

	// Static entries never expire by age.
	*clock = clock.Add(30 * 24 * time.Hour)
	resp, body = get(t, tr, up.URL+"/styles/base.css")
	assert.Equal(t, SourceHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, `body{}`, body)
	assert.Equal(t, 1, up.count("/styles/base.css"))
}

func TestTransport_StaticOfflineMissFails(t *testing.T) {
	up := newUpstream(t)
	origin := up.URL
	up.Close()
	tr, _, _ := newTestTransport(t, nil, []string{origin})

	req, _ := http.NewRequest(http.MethodGet, origin+"/index.html", nil)
	_, err := tr.RoundTrip(req)
	assert.Error(t, err)
}

func TestTransport_Passthrough(t *testing.T) {
	up := newUpstream(t)
	tr, store, _ := newTestTransport(t, []string{up.URL}, nil)

	t.Run("non-GET", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, up.URL+"/coins/markets", nil)
		assert.Equal(t, ClassOther, tr.Classify(req))
		resp, err := tr.RoundTrip(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Empty(t, resp.Header.Get(HeaderCache))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		other := newUpstream(t)
		resp, _ := get(t, tr, other.URL+"/x")
		assert.Empty(t, resp.Header.Get(HeaderCache))
		assert.Equal(t, 1, other.count("/x"))
	})

	namespaces, _ := store.Namespaces(context.Background())
	assert.Empty(t, namespaces)
}

func TestTransport_InstallAndActivate(t *testing.T) {
	up := newUpstream(t)
	store := NewMemoryStore()
	ctx := context.Background()

	v1, err := NewTransport(nil, store, Config{DataOrigins: []string{up.URL}, StaticOrigins: []string{up.URL + "/"}, Generation: "v1"})
	require.NoError(t, err)
	require.NoError(t, v1.Install(ctx, []string{up.URL + "/index.html", up.URL + "/js/main.js"}))
	get(t, v1, up.URL+"/coins/markets") // runtime entry; up.URL is also a data origin

	v2, err := NewTransport(nil, store, Config{StaticOrigins: []string{up.URL}, Generation: "v2"})
	require.NoError(t, err)
	require.NoError(t, v2.Install(ctx, []string{up.URL + "/index.html"}))
	require.NoError(t, v2.Activate(ctx))

	namespaces, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{RuntimeNamespace, "static-v2"}, namespaces)

	entry, err := store.Get(ctx, RuntimeNamespace, "GET "+up.URL+"/coins/markets")
	require.NoError(t, err)
	assert.NotNil(t, entry, "runtime namespace survives activation")
}

func TestTransport_InstallIsAllOrNothing(t *testing.T) {
	up := newUpstream(t)
	store := NewMemoryStore()
	tr, err := NewTransport(nil, store, Config{StaticOrigins: []string{up.URL}})
	require.NoError(t, err)

	bad := httptest.NewServer(http.NotFoundHandler())
	defer bad.Close()

	err = tr.Install(context.Background(), []string{up.URL + "/index.html", bad.URL + "/missing.css"})
	require.Error(t, err)

	namespaces, _ := store.Namespaces(context.Background())
	assert.Empty(t, namespaces)
}

func TestTransport_StoresIdentityBodies(t *testing.T) {
	const payload = `[{"id":"bitcoin"}]`
	var sawEncoding atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawEncoding.Store(r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gw := gzip.NewWriter(w)
			_, _ = io.WriteString(gw, payload)
			_ = gw.Close()
			return
		}
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	tr, store, _ := newTestTransport(t, []string{srv.URL}, nil)
	url := srv.URL + "/coins/markets"

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "gzip", sawEncoding.Load(), "the base transport negotiates compression itself")

	// A client that cannot decode gzip gets the same readable entry.
	resp, body2 := get(t, tr, url)
	assert.Equal(t, SourceHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, payload, body2)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))

	entry, err := store.Get(context.Background(), RuntimeNamespace, "GET "+url)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, payload, string(entry.Body))
}

func TestTransport_OversizedBodyPassesThroughUnstored(t *testing.T) {
	up := newUpstream(t)
	tr, store, _ := newTestTransport(t, []string{up.URL}, nil)
	tr.maxBody = 8
	url := up.URL + "/coins/markets"

	resp, body := get(t, tr, url)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"id":"bitcoin"}]`, body, "the caller still gets the whole body")
	assert.Empty(t, resp.Header.Get(HeaderCache))

	entry, err := store.Get(context.Background(), RuntimeNamespace, "GET "+url)
	require.NoError(t, err)
	assert.Nil(t, entry, "a truncated body must never be stored")

	get(t, tr, url)
	assert.Equal(t, 2, up.count("/coins/markets"))

	err = tr.Install(context.Background(), []string{up.URL + "/static/app.css"})
	require.Error(t, err)
	namespaces, _ := store.Namespaces(context.Background())
	assert.Empty(t, namespaces)
}

func TestNewTransport_InvalidOrigin(t *testing.T) {
	_, err := NewTransport(nil, NewMemoryStore(), Config{DataOrigins: []string{"api.coingecko.com"}})
	assert.Error(t, err)
}
