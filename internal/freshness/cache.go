// Package freshness implements the session-tier stale-while-revalidate cache.
//
// A read that allows stale data returns the stored entry immediately and
// starts one detached revalidation; otherwise it loads synchronously and
// stores the result. Entries are replaced whole, so readers see either the
// previous or the next payload.
package freshness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"coinwatch/internal/cache"
	"coinwatch/internal/core"
	"coinwatch/internal/observability"
)

// DefaultRevalidateTimeout bounds a single background revalidation.
const DefaultRevalidateTimeout = 30 * time.Second

// Loader fetches a fresh payload. In production it is an upstream call
// wrapped in the retry executor.
type Loader func(ctx context.Context) ([]byte, error)

// Entry is the stored form of a payload.
type Entry struct {
	Fingerprint string          `json:"fp"`
	FetchedAtMs int64           `json:"ts"`
	Payload     json.RawMessage `json:"data"`
}

// FetchedAt returns the entry timestamp.
func (e Entry) FetchedAt() time.Time {
	return time.UnixMilli(e.FetchedAtMs)
}

// ReadOptions controls a single read.
type ReadOptions struct {
	AllowStale bool
}

// Result is returned by Read.
type Result struct {
	Payload         []byte
	ServedFromCache bool
	AsOf            time.Time
}

// Options configures a Cache.
type Options struct {
	// Coalesce shares one upstream load between concurrent reads of the
	// same fingerprint. The shared load is detached from every caller and
	// bounded by RevalidateTimeout and Close.
	Coalesce          bool
	RevalidateTimeout time.Duration
	Metrics           *observability.Metrics
	Logger            *slog.Logger

	now func() time.Time
}

// Cache is the session-tier freshness cache.
type Cache struct {
	store   cache.Store
	opts    Options
	group   singleflight.Group
	logger  *slog.Logger
	metrics *observability.Metrics

	// base parents every background revalidation; cancelled by Close.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a Cache over store. The caller keeps ownership of store.
func New(store cache.Store, opts Options) *Cache {
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = DefaultRevalidateTimeout
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Cache{
		store:   store,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		base:    base,
		cancel:  cancel,
	}
}

// Read serves fp. With AllowStale and a stored entry it returns the entry
// and schedules exactly one background revalidation whose failure is only
// logged. Otherwise it loads synchronously; on success the entry is
// replaced, on failure the error is returned and nothing is written.
func (c *Cache) Read(ctx context.Context, fp core.Fingerprint, opts ReadOptions, load Loader) (Result, error) {
	if opts.AllowStale {
		if entry, ok := c.lookup(ctx, fp); ok {
			c.metrics.CacheRead(observability.TierSession, "stale")
			c.revalidate(fp, load)
			return Result{
				Payload:         entry.Payload,
				ServedFromCache: true,
				AsOf:            entry.FetchedAt(),
			}, nil
		}
		c.metrics.CacheRead(observability.TierSession, "miss")
	} else {
		c.metrics.CacheRead(observability.TierSession, "bypass")
	}

	entry, err := c.fetch(ctx, fp, load)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Payload:         entry.Payload,
		ServedFromCache: false,
		AsOf:            entry.FetchedAt(),
	}, nil
}

// Peek returns the stored entry for fp without triggering any load.
func (c *Cache) Peek(ctx context.Context, fp core.Fingerprint) (Entry, bool) {
	return c.lookup(ctx, fp)
}

// Flush drops every session entry.
func (c *Cache) Flush(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to flush session cache: %w", err)
	}
	return nil
}

// Wait blocks until all background revalidations have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close stops accepting revalidations, cancels those in flight and waits
// for them to return.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Cache) revalidate(fp core.Fingerprint, load Loader) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.base, c.opts.RevalidateTimeout)
		defer cancel()

		_, err := c.fetch(ctx, fp, load)
		c.metrics.Revalidation(observability.TierSession, err)
		if err != nil {
			c.logger.Warn("background revalidation failed", "fingerprint", fp.String(), "error", err)
			return
		}
		c.logger.Debug("background revalidation stored", "fingerprint", fp.String())
	}()
}

func (c *Cache) fetch(ctx context.Context, fp core.Fingerprint, load Loader) (Entry, error) {
	if !c.opts.Coalesce {
		return c.loadAndStore(ctx, fp, load)
	}

	// The shared load serves every joined caller, so no single caller's
	// cancellation may abort it. Each caller only abandons its own wait.
	ch := c.group.DoChan(storageKey(fp), func() (any, error) {
		shared, cancel := c.sharedContext(ctx)
		defer cancel()
		return c.loadAndStore(shared, fp, load)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// sharedContext detaches ctx from its caller's cancellation but keeps its
// values. The result is bounded by RevalidateTimeout and cancelled by Close.
func (c *Cache) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RevalidateTimeout)
	stop := context.AfterFunc(c.base, cancel)
	return shared, func() {
		stop()
		cancel()
	}
}

// loadAndStore runs load and writes the entry only when the load succeeded.
// A load that completed is stored even if ctx was cancelled meanwhile.
func (c *Cache) loadAndStore(ctx context.Context, fp core.Fingerprint, load Loader) (Entry, error) {
	payload, err := load(ctx)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Fingerprint: fp.String(),
		FetchedAtMs: c.opts.now().UnixMilli(),
		Payload:     payload,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, core.NewDecodeError("payload is not valid JSON", err)
	}
	if err := c.store.Set(context.WithoutCancel(ctx), storageKey(fp), data); err != nil {
		c.logger.Warn("failed to store session entry", "fingerprint", fp.String(), "error", err)
	}
	return entry, nil
}

// lookup treats storage and decode failures as misses.
func (c *Cache) lookup(ctx context.Context, fp core.Fingerprint) (Entry, bool) {
	data, ok, err := c.store.Get(ctx, storageKey(fp))
	if err != nil {
		c.logger.Warn("session cache read failed", "fingerprint", fp.String(), "error", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("discarding unreadable session entry", "fingerprint", fp.String(), "error", err)
		return Entry{}, false
	}
	// Digest collision guard
	if entry.Fingerprint != fp.String() {
		return Entry{}, false
	}
	return entry, true
}

func storageKey(fp core.Fingerprint) string {
	return fp.Op() + ":" + fp.Digest()
}
