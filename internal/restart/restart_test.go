package restart

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	attempts  atomic.Int32
	restarted atomic.Bool

	mu        sync.Mutex
	completes []bool
}

func (f *fakeTarget) AttemptRestart()   { f.attempts.Add(1) }
func (f *fakeTarget) IsRestarted() bool { return f.restarted.Load() }
func (f *fakeTarget) RestartComplete(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, ok)
}

func (f *fakeTarget) outcomes() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.completes...)
}

type recordingListener struct {
	veto      bool
	attempts  atomic.Int32
	successes atomic.Int32
	failures  atomic.Int32
}

func (l *recordingListener) OnRestartAttempt(Strategy, Restartable, bool) bool {
	l.attempts.Add(1)
	return !l.veto
}
func (l *recordingListener) OnRestartSuccess(Strategy, Restartable) { l.successes.Add(1) }
func (l *recordingListener) OnRestartFailure(Strategy, Restartable) { l.failures.Add(1) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLimitedRetryExhaustsRetries(t *testing.T) {
	s := NewLimitedRetry(3, 10*time.Millisecond, time.Second, WithLogger(quietLogger()))
	l := &recordingListener{}
	s.AddListener(l)

	target := &fakeTarget{}
	a := s.NewAttempt(target)

	waitFor(t, func() bool { return !a.IsRestarting() })

	if got := target.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := target.outcomes(); len(got) != 1 || got[0] {
		t.Errorf("completes = %v, want [false]", got)
	}
	if a.Status() != StatusFailed {
		t.Errorf("status = %v, want failed", a.Status())
	}
	waitFor(t, func() bool { return l.failures.Load() == 1 })
	if l.successes.Load() != 0 {
		t.Error("expected no success notification")
	}
}

func TestLimitedRetrySucceedsOnceCandidateSurvives(t *testing.T) {
	s := NewLimitedRetry(3, 10*time.Millisecond, 30*time.Millisecond, WithLogger(quietLogger()))
	l := &recordingListener{}
	s.AddListener(l)

	target := &fakeTarget{}
	target.restarted.Store(true)
	a := s.NewAttempt(target)

	waitFor(t, func() bool { return !a.IsRestarting() })

	if got := target.attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := target.outcomes(); len(got) != 1 || !got[0] {
		t.Errorf("completes = %v, want [true]", got)
	}
	if a.Status() != StatusSucceeded {
		t.Errorf("status = %v, want succeeded", a.Status())
	}
	waitFor(t, func() bool { return l.successes.Load() == 1 })
}

func TestLimitedRetryVetoed(t *testing.T) {
	s := NewLimitedRetry(3, 10*time.Millisecond, time.Second, WithLogger(quietLogger()))
	l := &recordingListener{veto: true}
	s.AddListener(l)

	target := &fakeTarget{}
	a := s.NewAttempt(target)

	waitFor(t, func() bool { return !a.IsRestarting() })

	if got := target.attempts.Load(); got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
	if got := target.outcomes(); len(got) != 1 || got[0] {
		t.Errorf("completes = %v, want [false]", got)
	}
	if l.attempts.Load() != 1 {
		t.Errorf("listener consulted %d times, want 1", l.attempts.Load())
	}
}

func TestLimitedRetryZeroRetries(t *testing.T) {
	s := NewLimitedRetry(0, 10*time.Millisecond, time.Second, WithLogger(quietLogger()))
	target := &fakeTarget{}
	a := s.NewAttempt(target)

	waitFor(t, func() bool { return !a.IsRestarting() })

	if got := target.attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := target.outcomes(); len(got) != 1 || got[0] {
		t.Errorf("completes = %v, want [false]", got)
	}
}

func TestQuitStopsAttempt(t *testing.T) {
	s := NewLimitedRetry(100, 10*time.Millisecond, time.Hour, WithLogger(quietLogger()))
	target := &fakeTarget{}
	target.restarted.Store(true)
	a := s.NewAttempt(target)

	waitFor(t, func() bool { return target.attempts.Load() >= 1 })
	a.Quit()

	if a.IsRestarting() {
		t.Error("expected attempt to stop restarting after Quit")
	}
	if a.Status() != StatusCancelled {
		t.Errorf("status = %v, want cancelled", a.Status())
	}

	before := target.attempts.Load()
	time.Sleep(50 * time.Millisecond)
	if target.attempts.Load() != before {
		t.Error("attempt kept relaunching after Quit")
	}
	if len(target.outcomes()) != 0 {
		t.Error("expected no completion after Quit")
	}
}

func TestAbandonFailsAttempt(t *testing.T) {
	s := NewLimitedRetry(100, 10*time.Millisecond, time.Hour, WithLogger(quietLogger()))
	l := &recordingListener{}
	s.AddListener(l)
	target := &fakeTarget{}
	target.restarted.Store(true)
	a := s.NewAttempt(target)

	waitFor(t, func() bool { return target.attempts.Load() >= 1 })
	notify := a.Abandon()
	if notify == nil {
		t.Fatal("expected a failure notification from an in-flight attempt")
	}
	if a.Status() != StatusFailed {
		t.Errorf("status = %v, want failed", a.Status())
	}
	if l.failures.Load() != 0 {
		t.Error("failure delivered before the owner asked for it")
	}
	notify()
	if l.failures.Load() != 1 {
		t.Errorf("failures = %d, want 1", l.failures.Load())
	}

	if again := a.Abandon(); again != nil {
		t.Error("abandoning a finished attempt should not notify again")
	}
	time.Sleep(50 * time.Millisecond)
	if len(target.outcomes()) != 0 {
		t.Error("expected no completion after Abandon")
	}
	if l.successes.Load() != 0 || l.failures.Load() != 1 {
		t.Errorf("unexpected outcomes: %d successes, %d failures", l.successes.Load(), l.failures.Load())
	}
}

func TestRemovedListenerNotConsulted(t *testing.T) {
	s := NewLimitedRetry(1, 10*time.Millisecond, time.Second, WithLogger(quietLogger()))
	l := &recordingListener{veto: true}
	s.AddListener(l)
	s.RemoveListener(l)

	target := &fakeTarget{}
	a := s.NewAttempt(target)
	waitFor(t, func() bool { return !a.IsRestarting() })

	if l.attempts.Load() != 0 {
		t.Error("removed listener was consulted")
	}
	if target.attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", target.attempts.Load())
	}
}

func TestBackoffExhausts(t *testing.T) {
	s := NewBackoff(BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      2,
		SampleDelay:     5 * time.Millisecond,
		SuccessAfter:    time.Second,
	}, WithLogger(quietLogger()))

	target := &fakeTarget{}
	a := s.NewAttempt(target)
	waitFor(t, func() bool { return !a.IsRestarting() })

	// One immediate relaunch plus one per retry.
	if got := target.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := target.outcomes(); len(got) != 1 || got[0] {
		t.Errorf("completes = %v, want [false]", got)
	}
}

func TestBackoffSucceeds(t *testing.T) {
	s := NewBackoff(BackoffConfig{
		SampleDelay:  5 * time.Millisecond,
		SuccessAfter: 20 * time.Millisecond,
	}, WithLogger(quietLogger()))

	target := &fakeTarget{}
	target.restarted.Store(true)
	a := s.NewAttempt(target)
	waitFor(t, func() bool { return !a.IsRestarting() })

	if a.Status() != StatusSucceeded {
		t.Errorf("status = %v, want succeeded", a.Status())
	}
	if got := target.attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestStatusString(t *testing.T) {
	if StatusCancelled.String() != "cancelled" {
		t.Errorf("got %q", StatusCancelled.String())
	}
	if Status(9).String() != "status(9)" {
		t.Errorf("got %q", Status(9).String())
	}
}
