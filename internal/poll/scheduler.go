// Package poll drives periodic refreshes with a single re-armed timer and a
// coarse failure backoff layered on top of the base interval.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinwatch/internal/core"
	"coinwatch/internal/observability"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultBackoffFloor = 10 * time.Second
	DefaultBackoffCap   = 120 * time.Second
	DefaultTickTimeout  = 60 * time.Second
)

// State of the scheduler.
type State int

const (
	Idle State = iota
	Scheduled
	Firing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Firing:
		return "firing"
	default:
		return "unknown"
	}
}

// Tick is one poll. A nil error counts as success.
type Tick func(ctx context.Context) error

// TickResult describes a finished tick.
type TickResult struct {
	ID      string
	Err     error
	Backoff time.Duration
	NextIn  time.Duration
}

// Options configures a Scheduler.
type Options struct {
	Interval     time.Duration
	BackoffFloor time.Duration
	BackoffCap   time.Duration
	TickTimeout  time.Duration

	// OnResult is called after every tick, outside the scheduler lock.
	OnResult func(TickResult)

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

type stopper interface {
	Stop() bool
}

// Scheduler owns at most one armed timer at any time. Every arm bumps a
// generation counter; a timer that fires after being superseded is ignored.
type Scheduler struct {
	tick Tick
	opts Options

	mu      sync.Mutex
	state   State
	base    time.Duration
	backoff time.Duration
	timer   stopper
	gen     uint64
	// rebased is set when SetInterval lands while a tick is running; the
	// tick re-arms at the new base when it finishes.
	rebased bool
	ctx     context.Context
	cancel  context.CancelFunc

	afterFunc func(d time.Duration, f func()) stopper
}

// New creates an idle Scheduler.
func New(tick Tick, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = DefaultBackoffFloor
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = DefaultTickTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		tick: tick,
		opts: opts,
		base: opts.Interval,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// NextBackoff returns the backoff after a failure given the current one:
// floor when there was none, otherwise double, capped.
func NextBackoff(current, floor, cap time.Duration) time.Duration {
	if current <= 0 {
		return floor
	}
	next := current * 2
	if next > cap || next <= 0 {
		return cap
	}
	return next
}

// Start arms the first tick one interval from now. Ticks run under ctx
// until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.backoff = 0
	s.rebased = false
	s.armLocked(s.base)
}

// Stop cancels the armed timer and any tick in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.rebased = false
	s.state = Idle
}

// SetInterval changes the base interval, clears the backoff and re-arms
// immediately at the new interval. On an idle scheduler it only records the
// interval. While a tick runs, arming waits for that tick to finish so ticks
// never overlap.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.base = d
	s.backoff = 0
	switch s.state {
	case Idle:
	case Firing:
		s.rebased = true
	default:
		s.armLocked(s.base)
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) CurrentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.disarmLocked()
	s.gen++
	gen := s.gen
	s.state = Scheduled
	s.timer = s.afterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != Scheduled {
		s.mu.Unlock()
		return
	}
	s.state = Firing
	s.timer = nil
	parent := s.ctx
	s.mu.Unlock()

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(core.WithRequestID(parent, id), s.opts.TickTimeout)
	err := s.tick(ctx)
	cancel()

	s.mu.Lock()
	if gen != s.gen || s.state != Firing {
		// Superseded by Stop or Start while firing.
		s.mu.Unlock()
		return
	}
	switch {
	case s.rebased:
		// The interval changed mid-tick: its result does not feed the backoff.
		s.rebased = false
		s.backoff = 0
	case err != nil:
		s.backoff = NextBackoff(s.backoff, s.opts.BackoffFloor, s.opts.BackoffCap)
	default:
		s.backoff = 0
	}
	next := s.base + s.backoff
	backoff := s.backoff
	s.armLocked(next)
	s.mu.Unlock()

	s.opts.Metrics.PollTick(err, backoff)
	if err != nil {
		s.opts.Logger.Warn("poll failed, backing off", "tick", id, "backoff", backoff, "next_in", next, "error", err)
	} else {
		s.opts.Logger.Debug("poll succeeded", "tick", id, "next_in", next)
	}
	if s.opts.OnResult != nil {
		s.opts.OnResult(TickResult{ID: id, Err: err, Backoff: backoff, NextIn: next})
	}
}
