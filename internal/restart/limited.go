package restart

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultSampleDelay is the interval between liveness samples of a candidate.
	DefaultSampleDelay = 500 * time.Millisecond
)

// LimitedRetry relaunches immediately and then samples the candidate at a
// fixed cadence. The episode succeeds once a candidate has stayed alive for
// longer than SuccessAfter, and fails when a candidate dies with no retries
// left.
type LimitedRetry struct {
	base

	retries      int
	sampleDelay  time.Duration
	successAfter time.Duration
}

// NewLimitedRetry creates a strategy allowing at most retries relaunches per episode.
func NewLimitedRetry(retries int, sampleDelay, successAfter time.Duration, opts ...Option) *LimitedRetry {
	if sampleDelay <= 0 {
		sampleDelay = DefaultSampleDelay
	}
	s := &LimitedRetry{
		retries:      retries,
		sampleDelay:  sampleDelay,
		successAfter: successAfter,
	}
	s.init(opts)
	return s
}

// NewAttempt starts a restart episode for r on its own goroutine.
func (s *LimitedRetry) NewAttempt(r Restartable) Attempt {
	a := &limitedAttempt{
		episode:     newEpisode(s, &s.base, r),
		retriesLeft: s.retries,
		limiter:     rate.NewLimiter(rate.Every(s.sampleDelay), 1),
		s:           s,
	}
	go a.run()
	return a
}

type limitedAttempt struct {
	*episode

	s           *LimitedRetry
	limiter     *rate.Limiter
	retriesLeft int
	lastAttempt time.Time
}

func (a *limitedAttempt) run() {
	// The first relaunch spends the only token, so every later sample waits
	// a full delay.
	a.limiter.Allow()
	a.relaunch()

	for a.IsRestarting() {
		if err := a.limiter.Wait(a.ctx); err != nil {
			return
		}
		a.sample()
	}
}

func (a *limitedAttempt) relaunch() {
	if !a.IsRestarting() {
		return
	}
	if !a.permitted() {
		a.s.logger.Warn("restart vetoed by listener")
		a.finish(false)
		return
	}

	a.retriesLeft--
	a.lastAttempt = a.s.now()
	a.target.AttemptRestart()
}

func (a *limitedAttempt) sample() {
	if a.target.IsRestarted() {
		if a.s.now().Sub(a.lastAttempt) > a.s.successAfter {
			a.finish(true)
		}
		return
	}

	if a.retriesLeft > 0 {
		a.s.logger.Info("restart candidate not running, retrying", "retries_left", a.retriesLeft)
		a.relaunch()
		return
	}

	a.s.logger.Warn("restart retries exhausted")
	a.finish(false)
}
