package freshness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinwatch/internal/cache"
	"coinwatch/internal/core"
)

var testFP = core.NewFingerprint("markets", map[string]string{"currency": "USD", "page": "1", "per_page": "100"})

func newTestCache(t *testing.T, opts Options) (*Cache, *cache.MemoryStore, *time.Time) {
	t.Helper()
	store := cache.NewMemoryStore(16)
	clock := time.UnixMilli(1_700_000_000_000)
	opts.now = func() time.Time { return clock }
	c := New(store, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, store, &clock
}

func staticLoader(payload string, calls *atomic.Int32) Loader {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(payload), nil
	}
}

func TestRead_MissLoadsSynchronously(t *testing.T) {
	c, _, clock := newTestCache(t, Options{})
	var calls atomic.Int32

	res, err := c.Read(context.Background(), testFP, ReadOptions{AllowStale: true}, staticLoader(`[1]`, &calls))
	require.NoError(t, err)

	assert.False(t, res.ServedFromCache)
	assert.JSONEq(t, `[1]`, string(res.Payload))
	assert.Equal(t, clock.UnixMilli(), res.AsOf.UnixMilli())
	assert.Equal(t, int32(1), calls.Load())

	entry, ok := c.Peek(context.Background(), testFP)
	require.True(t, ok)
	assert.JSONEq(t, `[1]`, string(entry.Payload))
}

func TestRead_StaleReturnsImmediatelyAndRevalidatesOnce(t *testing.T) {
	c, _, clock := newTestCache(t, Options{})
	ctx := context.Background()

	var seedCalls atomic.Int32
	_, err := c.Read(ctx, testFP, ReadOptions{}, staticLoader(`{"v":"old"}`, &seedCalls))
	require.NoError(t, err)
	seededAt := *clock
	*clock = clock.Add(time.Minute)

	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`{"v":"new"}`), nil
	}

	start := time.Now()
	res, err := c.Read(ctx, testFP, ReadOptions{AllowStale: true}, slow)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "stale read must not wait for the loader")

	assert.True(t, res.ServedFromCache)
	assert.JSONEq(t, `{"v":"old"}`, string(res.Payload))
	assert.Equal(t, seededAt.UnixMilli(), res.AsOf.UnixMilli())

	close(release)
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
	entry, ok := c.Peek(ctx, testFP)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":"new"}`, string(entry.Payload))
	assert.Equal(t, clock.UnixMilli(), entry.FetchedAtMs)
}

func TestRead_RevalidationFailureKeepsEntry(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()

	var seedCalls atomic.Int32
	_, err := c.Read(ctx, testFP, ReadOptions{}, staticLoader(`"cached"`, &seedCalls))
	require.NoError(t, err)

	failing := func(context.Context) ([]byte, error) {
		return nil, &core.ExhaustedRetriesError{Attempts: 4, LastErr: core.NewThrottledError("", time.Second)}
	}
	res, err := c.Read(ctx, testFP, ReadOptions{AllowStale: true}, failing)
	require.NoError(t, err)
	assert.True(t, res.ServedFromCache)

	c.Wait()
	entry, ok := c.Peek(ctx, testFP)
	require.True(t, ok)
	assert.JSONEq(t, `"cached"`, string(entry.Payload))
}

func TestRead_ForceRefreshBypassesEntry(t *testing.T) {
	c, _, _ := newTestCache(t, Options{})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := c.Read(ctx, testFP, ReadOptions{}, staticLoader(`1`, &calls))
	require.NoError(t, err)

	res, err := c.Read(ctx, testFP, ReadOptions{AllowStale: false}, staticLoader(`2`, &calls))
	require.NoError(t, err)
	assert.False(t, res.ServedFromCache)
	assert.Equal(t, `2`, string(res.Payload))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRead_SyncFailureWritesNothing(t *testing.T) {
	c, store, _ := newTestCache(t, Options{})
	ctx := context.Background()

	wantErr := &core.ExhaustedRetriesError{Attempts: 4, LastErr: errors.New("offline")}
	_, err := c.Read(ctx, testFP, ReadOptions{AllowStale: true}, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, store.Len())
}

func TestRead_InvalidPayloadNotStored(t *testing.T) {
	c, store, _ := newTestCache(t, Options{})

	_, err := c.Read(context.Background(), testFP, ReadOptions{}, func(context.Context) ([]byte, error) {
		return []byte(`{not json`), nil
	})
	var fe *core.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, core.ErrorTypeDecode, fe.Type)
	assert.Equal(t, 0, store.Len())
}

func TestRead_CoalescesConcurrentLoads(t *testing.T) {
	c, _, _ := newTestCache(t, Options{Coalesce: true})

	release := make(chan struct{})
	var calls atomic.Int32
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`[]`), nil
	}

	const readers = 8
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(readers)
	errs := make(chan error, readers)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			_, err := c.Read(context.Background(), testFP, ReadOptions{}, load)
			errs <- err
		}()
	}
	started.Wait()
	// Let every reader reach the shared load before releasing it.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestRead_CancelledForegroundReturnsContextError(t *testing.T) {
	c, store, _ := newTestCache(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	load := func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Read(ctx, testFP, ReadOptions{}, load)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestRead_CoalescedLoadSurvivesLeaderCancel(t *testing.T) {
	c, _, _ := newTestCache(t, Options{Coalesce: true})

	release := make(chan struct{})
	var calls atomic.Int32
	load := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		select {
		case <-release:
			return []byte(`{"v":1}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Read(leaderCtx, testFP, ReadOptions{}, load)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		res Result
		err error
	}
	follower := make(chan result, 1)
	go func() {
		res, err := c.Read(context.Background(), testFP, ReadOptions{}, load)
		follower <- result{res, err}
	}()
	// Let the follower join the in-flight load.
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-follower
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"v":1}`, string(got.res.Payload))
	assert.Equal(t, int32(1), calls.Load())

	entry, ok := c.Peek(context.Background(), testFP)
	require.True(t, ok, "the shared load is stored even though its first caller left")
	assert.JSONEq(t, `{"v":1}`, string(entry.Payload))
}

func TestClose_CancelsRevalidations(t *testing.T) {
	store := cache.NewMemoryStore(4)
	c := New(store, Options{RevalidateTimeout: time.Hour})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := c.Read(ctx, testFP, ReadOptions{}, staticLoader(`0`, &calls))
	require.NoError(t, err)

	blocked := func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err = c.Read(ctx, testFP, ReadOptions{AllowStale: true}, blocked)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not drain revalidations")
	}

	// Closed caches still serve but no longer revalidate.
	_, err = c.Read(ctx, testFP, ReadOptions{AllowStale: true}, staticLoader(`1`, &calls))
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlush(t *testing.T) {
	c, store, _ := newTestCache(t, Options{})
	var calls atomic.Int32

	_, err := c.Read(context.Background(), testFP, ReadOptions{}, staticLoader(`1`, &calls))
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 0, store.Len())

	_, ok := c.Peek(context.Background(), testFP)
	assert.False(t, ok)
}

type brokenStore struct{ cache.Store }

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("storage unavailable")
}

func (brokenStore) Set(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}

func TestRead_StorageFailuresDegradeToMiss(t *testing.T) {
	c := New(brokenStore{}, Options{})
	t.Cleanup(func() { _ = c.Close() })

	var calls atomic.Int32
	res, err := c.Read(context.Background(), testFP, ReadOptions{AllowStale: true}, staticLoader(`[]`, &calls))
	require.NoError(t, err)
	assert.False(t, res.ServedFromCache)
	assert.Equal(t, `[]`, string(res.Payload))
}
