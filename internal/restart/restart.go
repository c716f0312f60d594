// Package restart defines pluggable relaunch policies for supervised
// processes.
//
// A Strategy is a factory. When a supervised process fails, its owner asks
// the strategy for a new Attempt bound to one restart episode. The attempt
// runs on its own goroutine and talks to the owner only through the
// Restartable callbacks: it may call AttemptRestart any number of times,
// polls IsRestarted to decide whether to keep going, and finally calls
// RestartComplete exactly once. The owner may cancel the episode at any time
// with Quit, or fail it with Abandon, after which the attempt starts no
// further callbacks. A completion already in flight when either lands may
// still arrive, so owners ignore RestartComplete once they have closed the
// episode themselves.
package restart

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benaskins/warden/internal/fanout"
)

// Restartable is the owner side of a restart episode.
type Restartable interface {
	// AttemptRestart launches a candidate replacement process.
	AttemptRestart()

	// IsRestarted reports whether the most recent candidate is alive.
	IsRestarted() bool

	// RestartComplete finalizes the episode.
	RestartComplete(success bool)
}

// Listener observes restart episodes.
type Listener interface {
	// OnRestartAttempt is called before every relaunch. Returning false
	// vetoes the relaunch and ends the episode as a failure.
	OnRestartAttempt(s Strategy, r Restartable, continuing bool) bool

	// OnRestartSuccess is called after a successful episode.
	OnRestartSuccess(s Strategy, r Restartable)

	// OnRestartFailure is called after a failed episode.
	OnRestartFailure(s Strategy, r Restartable)
}

// Strategy produces attempts.
type Strategy interface {
	NewAttempt(r Restartable) Attempt
	AddListener(l Listener)
	RemoveListener(l Listener)
}

// Attempt is a single in-flight restart episode.
type Attempt interface {
	// IsRestarting reports whether the episode has not yet finished.
	IsRestarting() bool

	// Quit cancels the episode.
	Quit()

	// Abandon ends the episode as a failure on the owner's behalf, for an
	// owner that has already closed it, e.g. because it ran too long.
	// RestartComplete is not called. The returned func delivers
	// OnRestartFailure to listeners, so an owner holding a lock can send it
	// after releasing the lock. It is nil when the episode had already
	// finished.
	Abandon() func()

	// Status reports where the episode is.
	Status() Status
}

// Status is the phase of an attempt.
type Status int32

const (
	StatusInProgress Status = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Option configures a strategy.
type Option func(*base)

// WithLogger sets the logger used by a strategy and its attempts.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		b.logger = l
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		b.now = now
	}
}

// base carries what every strategy shares: listeners, logging and time.
type base struct {
	listeners fanout.Set[Listener]
	logger    *slog.Logger
	now       func() time.Time
}

func (b *base) init(opts []Option) {
	b.logger = slog.With("component", "restart")
	b.now = time.Now
	for _, opt := range opts {
		opt(b)
	}
}

// AddListener registers a restart listener.
func (b *base) AddListener(l Listener) {
	b.listeners.Add(l)
}

// RemoveListener unregisters a restart listener.
func (b *base) RemoveListener(l Listener) {
	b.listeners.Remove(l)
}

// episode is the bookkeeping shared by attempt implementations.
type episode struct {
	strategy Strategy
	target   Restartable
	base     *base
	status   atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
}

func newEpisode(s Strategy, b *base, target Restartable) *episode {
	ctx, cancel := context.WithCancel(context.Background())
	return &episode{
		strategy: s,
		target:   target,
		base:     b,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *episode) IsRestarting() bool {
	return e.Status() == StatusInProgress
}

func (e *episode) Status() Status {
	return Status(e.status.Load())
}

func (e *episode) Quit() {
	if e.status.CompareAndSwap(int32(StatusInProgress), int32(StatusCancelled)) {
		e.base.logger.Debug("restart attempt cancelled")
	}
	e.cancel()
}

func (e *episode) Abandon() func() {
	defer e.cancel()
	if !e.status.CompareAndSwap(int32(StatusInProgress), int32(StatusFailed)) {
		return nil
	}
	e.base.logger.Debug("restart attempt abandoned")
	return e.notifyFailure
}

func (e *episode) notifyFailure() {
	e.base.listeners.Each(e.base.logger, "restart failure", func(l Listener) {
		l.OnRestartFailure(e.strategy, e.target)
	})
}

// permitted asks every listener whether a relaunch may go ahead.
func (e *episode) permitted() bool {
	ok := true
	e.base.listeners.Each(e.base.logger, "restart attempt", func(l Listener) {
		if !l.OnRestartAttempt(e.strategy, e.target, true) {
			ok = false
		}
	})
	return ok
}

// finish reports the outcome to the owner and then to listeners. The status
// stays in progress until the owner has been told, so an owner polling
// IsRestarting never sees a finished episode that has not yet completed.
func (e *episode) finish(success bool) {
	if !e.IsRestarting() {
		return
	}
	e.target.RestartComplete(success)

	final := StatusFailed
	if success {
		final = StatusSucceeded
	}
	if !e.status.CompareAndSwap(int32(StatusInProgress), int32(final)) {
		return
	}
	e.cancel()

	if success {
		e.base.listeners.Each(e.base.logger, "restart success", func(l Listener) {
			l.OnRestartSuccess(e.strategy, e.target)
		})
	} else {
		e.notifyFailure()
	}
}

// sleep waits for d or until the episode is cancelled.
func (e *episode) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.ctx.Done():
		return false
	}
}
