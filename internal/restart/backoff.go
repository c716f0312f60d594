package restart

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff relaunches with exponentially growing pauses between attempts.
// Candidates are sampled every sample delay; one that survives longer than
// SuccessAfter ends the episode successfully.
type Backoff struct {
	base

	initial      time.Duration
	max          time.Duration
	maxRetries   int
	sampleDelay  time.Duration
	successAfter time.Duration
}

// BackoffConfig holds the tuning for a Backoff strategy.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	SampleDelay     time.Duration
	SuccessAfter    time.Duration
}

// NewBackoff creates an exponential backoff strategy.
func NewBackoff(cfg BackoffConfig, opts ...Option) *Backoff {
	if cfg.SampleDelay <= 0 {
		cfg.SampleDelay = DefaultSampleDelay
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = backoff.DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = backoff.DefaultMaxInterval
	}
	s := &Backoff{
		initial:      cfg.InitialInterval,
		max:          cfg.MaxInterval,
		maxRetries:   cfg.MaxRetries,
		sampleDelay:  cfg.SampleDelay,
		successAfter: cfg.SuccessAfter,
	}
	s.init(opts)
	return s
}

// NewAttempt starts a restart episode for r on its own goroutine.
func (s *Backoff) NewAttempt(r Restartable) Attempt {
	a := &backoffAttempt{
		episode: newEpisode(s, &s.base, r),
		s:       s,
	}
	a.policy = backoff.WithContext(s.newPolicy(), a.ctx)
	go a.run()
	return a
}

func (s *Backoff) newPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.max
	// The owner enforces the overall restart window.
	b.MaxElapsedTime = 0
	b.Reset()

	if s.maxRetries > 0 {
		return backoff.WithMaxRetries(b, uint64(s.maxRetries))
	}
	return b
}

type backoffAttempt struct {
	*episode

	s           *Backoff
	policy      backoff.BackOff
	lastAttempt time.Time
}

func (a *backoffAttempt) run() {
	a.relaunch()

	for a.IsRestarting() {
		if !a.sleep(a.s.sampleDelay) {
			return
		}

		if a.target.IsRestarted() {
			if a.s.now().Sub(a.lastAttempt) > a.s.successAfter {
				a.finish(true)
			}
			continue
		}

		next := a.policy.NextBackOff()
		if next == backoff.Stop {
			a.s.logger.Warn("restart backoff exhausted")
			a.finish(false)
			return
		}
		a.s.logger.Info("restart candidate not running, backing off", "delay", next)
		if !a.sleep(next) {
			return
		}
		a.relaunch()
	}
}

func (a *backoffAttempt) relaunch() {
	if !a.IsRestarting() {
		return
	}
	if !a.permitted() {
		a.s.logger.Warn("restart vetoed by listener")
		a.finish(false)
		return
	}
	a.lastAttempt = a.s.now()
	a.target.AttemptRestart()
}
