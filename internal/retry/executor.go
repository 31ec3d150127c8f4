// Package retry runs fallible operations with bounded exponential backoff,
// honoring server-suggested delays carried by throttling errors.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"coinwatch/internal/core"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultJitter      = 100 * time.Millisecond
)

// Operation is a single attempt of a fallible fetch.
type Operation func(ctx context.Context) ([]byte, error)

// Options configures an Executor. Zero values fall back to the defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Jitter is the exclusive upper bound of the uniform random delay added
	// to each computed backoff. Negative disables jitter.
	Jitter time.Duration
	// MaxDelay caps computed backoffs; zero means uncapped. Server-suggested
	// delays are never capped.
	MaxDelay time.Duration

	// OnRetry is invoked before each wait with the zero-based attempt that
	// just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnExhausted is invoked once when the budget is spent.
	OnExhausted func(attempts int, err error)
}

// Executor retries operations. It holds no per-call state and is safe for
// concurrent use.
type Executor struct {
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates an Executor with the given options.
func New(opts Options) *Executor {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Jitter == 0 {
		opts.Jitter = DefaultJitter
	}
	return &Executor{
		opts:   opts,
		sleep:  sleepContext,
		jitter: randomJitter,
	}
}

// MaxAttempts returns the configured attempt budget.
func (e *Executor) MaxAttempts() int {
	return e.opts.MaxAttempts
}

// Execute invokes op until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. Failures surface as *core.ExhaustedRetriesError
// wrapping the last error; cancellation of ctx surfaces as ctx.Err().
func (e *Executor) Execute(ctx context.Context, op Operation) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := op(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !core.IsRetryable(err) {
			return nil, e.exhausted(attempt+1, err)
		}

		// No wait after the final attempt.
		if attempt == e.opts.MaxAttempts-1 {
			break
		}

		delay := e.Delay(attempt, err)
		if e.opts.OnRetry != nil {
			e.opts.OnRetry(attempt, delay, err)
		}
		slog.Debug("retrying fetch", "attempt", attempt+1, "delay", delay, "error", err)

		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, e.exhausted(e.opts.MaxAttempts, lastErr)
}

// Delay computes the wait after the zero-based attempt failed with err:
// the server-suggested delay when positive, otherwise
// BaseDelay*2^attempt plus jitter.
func (e *Executor) Delay(attempt int, err error) time.Duration {
	if suggested := core.SuggestedDelay(err); suggested > 0 {
		return suggested
	}

	backoff := e.opts.BaseDelay << uint(attempt)
	if backoff < 0 || (e.opts.MaxDelay > 0 && backoff > e.opts.MaxDelay) {
		backoff = e.opts.MaxDelay
	}
	if e.opts.Jitter > 0 {
		backoff += e.jitter(e.opts.Jitter)
	}
	return backoff
}

func (e *Executor) exhausted(attempts int, err error) error {
	if e.opts.OnExhausted != nil {
		e.opts.OnExhausted(attempts, err)
	}
	return &core.ExhaustedRetriesError{Attempts: attempts, LastErr: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	return rand.N(max)
}
