package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"coinwatch/internal/observability"
)

const (
	// RuntimeNamespace holds data responses. It is never swept on activation.
	RuntimeNamespace = "runtime-v1"

	staticPrefix = "static-"

	DefaultGeneration = "v1"
	DefaultDataTTL    = 2 * time.Minute

	// refetchTimeout bounds a detached background refetch.
	refetchTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
)

// Response headers added by the interception tier.
const (
	HeaderCachedAt  = "X-Coinwatch-Cached-At"
	HeaderCache     = "X-Coinwatch-Cache"
	HeaderSynthetic = "X-Coinwatch-Synthetic"
)

// Values of HeaderCache.
const (
	SourceHit       = "hit"
	SourceStale     = "stale"
	SourceMiss      = "miss"
	SourceSynthetic = "synthetic"
	SourceBypass    = "bypass"
)

// Request classes
const (
	ClassData   = "data"
	ClassStatic = "static"
	ClassOther  = "passthrough"
)

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

// Config configures a Transport.
type Config struct {
	// DataOrigins are scheme://host origins served stale-while-revalidate.
	DataOrigins []string
	// StaticOrigins are origins served cache-first.
	StaticOrigins []string
	// DataTTL is the age after which a served data entry triggers a refetch.
	DataTTL time.Duration
	// Generation versions the static namespace; see Activate.
	Generation string

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Transport is an http.RoundTripper implementing the interception tier.
// Requests other than GET, and GETs to unlisted origins, pass through.
type Transport struct {
	base    http.RoundTripper
	store   Store
	data    map[string]bool
	static  map[string]bool
	ttl     time.Duration
	gen     string
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	maxBody int64

	mu         sync.Mutex
	refreshing map[string]bool
	wg         sync.WaitGroup
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, store Store, cfg Config) (*Transport, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.DataTTL <= 0 {
		cfg.DataTTL = DefaultDataTTL
	}
	if cfg.Generation == "" {
		cfg.Generation = DefaultGeneration
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	data, err := originSet(cfg.DataOrigins)
	if err != nil {
		return nil, fmt.Errorf("invalid data origin: %w", err)
	}
	static, err := originSet(cfg.StaticOrigins)
	if err != nil {
		return nil, fmt.Errorf("invalid static origin: %w", err)
	}

	return &Transport{
		base:       base,
		store:      store,
		data:       data,
		static:     static,
		ttl:        cfg.DataTTL,
		gen:        cfg.Generation,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        time.Now,
		maxBody:    maxBodyBytes,
		refreshing: make(map[string]bool),
	}, nil
}

// StaticNamespace returns the namespace of the current generation.
func (t *Transport) StaticNamespace() string {
	return staticPrefix + t.gen
}

// Classify returns the class a request would be served under.
func (t *Transport) Classify(req *http.Request) string {
	if req.Method != http.MethodGet || req.URL == nil {
		return ClassOther
	}
	origin := originOf(req.URL)
	switch {
	case t.data[origin]:
		return ClassData
	case t.static[origin]:
		return ClassStatic
	default:
		return ClassOther
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch class := t.Classify(req); class {
	case ClassData:
		return t.serveData(req)
	case ClassStatic:
		return t.serveStatic(req)
	default:
		t.metrics.InterceptResponse(class, SourceBypass)
		return t.base.RoundTrip(req)
	}
}

func (t *Transport) serveStatic(req *http.Request) (*http.Response, error) {
	ns, key := t.StaticNamespace(), cacheKey(req)

	if entry := t.lookup(req.Context(), ns, key); entry != nil {
		t.record(ClassStatic, SourceHit)
		return entry.response(req, SourceHit), nil
	}

	entry, resp, err := t.fetch(req, ns, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		t.record(ClassStatic, SourceBypass)
		return resp, nil
	}
	t.record(ClassStatic, SourceMiss)
	return entry.response(req, SourceMiss), nil
}

func (t *Transport) serveData(req *http.Request) (*http.Response, error) {
	ns, key := RuntimeNamespace, cacheKey(req)

	if entry := t.lookup(req.Context(), ns, key); entry != nil {
		source := SourceHit
		if t.now().Sub(entry.CachedAt) > t.ttl {
			source = SourceStale
			t.refetch(req, ns, key)
		}
		t.record(ClassData, source)
		return entry.response(req, source), nil
	}

	entry, resp, err := t.fetch(req, ns, key)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		t.logger.Warn("data request failed with nothing cached, serving empty list",
			"url", req.URL.Redacted(), "error", err)
		t.record(ClassData, SourceSynthetic)
		return syntheticEmpty(req, t.now()), nil
	}
	if entry == nil {
		// Non-2xx responses reach the caller untouched so throttling stays visible.
		t.record(ClassData, SourceBypass)
		return resp, nil
	}
	t.record(ClassData, SourceMiss)
	return entry.response(req, SourceMiss), nil
}

// fetch performs the network request. For a storable 2xx it stores and
// returns the entry; otherwise it returns the raw response with a nil entry.
// Stored bodies are always identity-encoded, since the key does not vary by
// Accept-Encoding.
func (t *Transport) fetch(req *http.Request, ns, key string) (*Entry, *http.Response, error) {
	resp, err := t.base.RoundTrip(identityRequest(req))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp, nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		t.logger.Warn("encoded response not intercepted", "url", req.URL.Redacted(), "encoding", enc)
		return nil, resp, nil
	}

	body, complete, err := readLimited(resp.Body, t.maxBody)
	if err != nil {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if !complete {
		t.logger.Warn("response too large to intercept", "url", req.URL.Redacted(), "limit", t.maxBody)
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil, resp, nil
	}
	resp.Body.Close()

	entry := &Entry{
		Namespace: ns,
		Key:       key,
		Status:    resp.StatusCode,
		Header:    storableHeader(resp.Header),
		Body:      body,
		CachedAt:  t.now(),
	}
	if err := t.store.Put(context.WithoutCancel(req.Context()), entry); err != nil {
		t.logger.Warn("failed to persist intercepted response", "namespace", ns, "error", err)
	}
	return entry, nil, nil
}

// refetch replaces a stale data entry in the background. At most one
// refetch per key is in flight; failures are logged and counted only.
func (t *Transport) refetch(req *http.Request, ns, key string) {
	t.mu.Lock()
	if t.refreshing[key] {
		t.mu.Unlock()
		return
	}
	t.refreshing[key] = true
	t.wg.Add(1)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), refetchTimeout)
	bg := req.Clone(ctx)

	go func() {
		defer func() {
			cancel()
			t.mu.Lock()
			delete(t.refreshing, key)
			t.mu.Unlock()
			t.wg.Done()
		}()

		entry, resp, err := t.fetch(bg, ns, key)
		if err == nil && entry == nil {
			resp.Body.Close()
			err = fmt.Errorf("upstream response not stored: %s", resp.Status)
		}
		t.metrics.Revalidation(observability.TierIntercept, err)
		if err != nil {
			t.logger.Warn("intercept revalidation failed", "url", bg.URL.Redacted(), "error", err)
		}
	}()
}

// Install precaches urls into the current static generation. Either every
// asset is fetched and stored or none is.
func (t *Transport) Install(ctx context.Context, urls []string) error {
	entries := make([]*Entry, 0, len(urls))
	for _, raw := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			return fmt.Errorf("invalid precache url %q: %w", raw, err)
		}
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", raw, err)
		}
		body, complete, err := readLimited(resp.Body, t.maxBody)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", raw, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("failed to precache %s: %s", raw, resp.Status)
		}
		if !complete {
			return fmt.Errorf("failed to precache %s: body exceeds %d bytes", raw, t.maxBody)
		}
		if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
			return fmt.Errorf("failed to precache %s: unexpected %s encoding", raw, enc)
		}
		entries = append(entries, &Entry{
			Namespace: t.StaticNamespace(),
			Key:       cacheKey(req),
			Status:    resp.StatusCode,
			Header:    storableHeader(resp.Header),
			Body:      body,
			CachedAt:  t.now(),
		})
	}

	for _, e := range entries {
		if err := t.store.Put(ctx, e); err != nil {
			return err
		}
	}
	t.logger.Info("static assets installed", "namespace", t.StaticNamespace(), "count", len(entries))
	return nil
}

// Activate deletes every namespace except the current static generation and
// the runtime namespace, so stale data stays available across generations.
func (t *Transport) Activate(ctx context.Context) error {
	namespaces, err := t.store.Namespaces(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, ns := range namespaces {
		if ns == t.StaticNamespace() || ns == RuntimeNamespace {
			continue
		}
		if err := t.store.DeleteNamespace(ctx, ns); err != nil {
			errs = append(errs, err)
			continue
		}
		t.logger.Info("swept intercept namespace", "namespace", ns)
	}
	return errors.Join(errs...)
}

// Wait blocks until background refetches have finished.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) lookup(ctx context.Context, ns, key string) *Entry {
	entry, err := t.store.Get(ctx, ns, key)
	if err != nil {
		t.logger.Warn("intercept store read failed", "namespace", ns, "error", err)
		return nil
	}
	return entry
}

func (t *Transport) record(class, source string) {
	t.metrics.InterceptResponse(class, source)
	t.metrics.CacheRead(observability.TierIntercept, source)
}

func (e *Entry) response(req *http.Request, source string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderCachedAt, strconv.FormatInt(e.CachedAt.UnixMilli(), 10))
	h.Set(HeaderCache, source)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func syntheticEmpty(req *http.Request, now time.Time) *http.Response {
	e := &Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}, HeaderSynthetic: []string{"1"}},
		Body:     []byte(`[]`),
		CachedAt: now,
	}
	return e.response(req, SourceSynthetic)
}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	out.Del(HeaderCache)
	out.Del(HeaderCachedAt)
	return out
}

// identityRequest drops the caller's Accept-Encoding so the base transport
// negotiates compression itself and hands back a decoded body.
func identityRequest(req *http.Request) *http.Request {
	if req.Header.Get("Accept-Encoding") == "" {
		return req
	}
	out := req.Clone(req.Context())
	out.Header.Del("Accept-Encoding")
	return out
}

// readLimited reads up to limit bytes. complete is false when the body is
// longer; the bytes read so far are returned either way.
func readLimited(r io.Reader, limit int64) (body []byte, complete bool, err error) {
	body, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	return body, int64(len(body)) <= limit, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func originSet(origins []string) (map[string]bool, error) {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		u, err := url.Parse(strings.TrimSpace(o))
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%q is not a scheme://host origin", o)
		}
		set[originOf(u)] = true
	}
	return set, nil
}
