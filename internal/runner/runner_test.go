//go:build unix

package runner

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benaskins/warden/internal/exitcode"
	"github.com/benaskins/warden/internal/restart"
)

// writeScript writes an executable shell script under a bin/ directory and
// returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a POSIX system")
	}
	dir := filepath.Join(t.TempDir(), "bin")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRunner(t *testing.T, script string, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r := New("test", exitcode.Posix, opts...)
	r.SetExecutablePath(script)
	t.Cleanup(func() {
		if st := r.State(); st != NotStarted && st != Shutdown {
			r.Shutdown()
		}
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pollUntilStopped drives the runner the way a collection would.
func pollUntilStopped(t *testing.T, r *Runner) {
	t.Helper()
	waitFor(t, "runner to stop", func() bool { return !r.IsRunning() })
}

type recorder struct {
	BaseListener

	mu          sync.Mutex
	transitions []State
	starting    int
	running     int
	shutdown    int
	failed      int
	failErr     error
}

func (rec *recorder) OnStateChanged(_ *Runner, _, to State) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.transitions = append(rec.transitions, to)
}

func (rec *recorder) OnStarting(*Runner) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.starting++
}

func (rec *recorder) OnRunning(*Runner) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.running++
}

func (rec *recorder) OnShutdown(*Runner) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.shutdown++
}

func (rec *recorder) OnStartupFailed(_ *Runner, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.failed++
	rec.failErr = err
}

func (rec *recorder) states() []State {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]State(nil), rec.transitions...)
}

func (rec *recorder) counts() (starting, running, shutdown, failed int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.starting, rec.running, rec.shutdown, rec.failed
}

func TestStartupTwiceSpawnsOnce(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, "echo started >> "+filepath.Join(dir, "spawns")+"\nexec sleep 30")
	r := newTestRunner(t, script)
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := r.Startup(); err != nil {
		t.Fatalf("second startup should be a no-op, got %v", err)
	}
	if r.State() != Running {
		t.Fatalf("expected RUNNING, got %s", r.State())
	}

	waitFor(t, "spawn marker", func() bool {
		_, err := os.Stat(filepath.Join(dir, "spawns"))
		return err == nil
	})
	time.Sleep(50 * time.Millisecond)
	data, _ := os.ReadFile(filepath.Join(dir, "spawns"))
	if n := strings.Count(string(data), "started"); n != 1 {
		t.Errorf("expected one spawn, got %d", n)
	}
	if starting, running, _, _ := rec.counts(); starting != 1 || running != 1 {
		t.Errorf("expected one starting and one running notification, got %d and %d", starting, running)
	}
}

func TestCleanExitSequence(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 0"))
	r.ParseArgs("--port=8080")
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	want := []State{Starting, Running, Shutdown}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if _, _, shutdown, _ := rec.counts(); shutdown != 1 {
		t.Errorf("expected one shutdown notification, got %d", shutdown)
	}
	info := r.Info()
	if info.LastExit == nil || !info.LastExit.Success || info.LastExit.Code != 0 {
		t.Errorf("unexpected last exit: %+v", info.LastExit)
	}
}

func TestCrashWithoutStrategy(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 3"))
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	if r.State() != Crashed {
		t.Fatalf("expected CRASHED, got %s", r.State())
	}
	if _, _, shutdown, _ := rec.counts(); shutdown != 1 {
		t.Errorf("expected one shutdown notification for the crash, got %d", shutdown)
	}
	if r.IsRunning() {
		t.Error("crashed runner reported running")
	}
	if r.State() != Crashed {
		t.Errorf("polling a crashed runner changed its state to %s", r.State())
	}
	if exit := r.Info().LastExit; exit == nil || exit.Code != 3 || exit.Label != "3" {
		t.Errorf("unexpected last exit: %+v", exit)
	}
}

func TestSignalledExitIsLabelled(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "kill -TERM $$\nsleep 5"))

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	exit := r.Info().LastExit
	if exit == nil || exit.Code != 143 || exit.Label != "SIGTERM" {
		t.Errorf("expected SIGTERM (143), got %+v", exit)
	}
	if r.State() != Crashed {
		t.Errorf("expected CRASHED, got %s", r.State())
	}
}

func TestStartupFailure(t *testing.T) {
	const exe = "/opt/app/bin/run"
	if _, err := os.Stat(exe); err == nil {
		t.Skipf("%s exists on this machine", exe)
	}

	r := New("app", exitcode.Posix, WithLogger(quietLogger()))
	r.SetExecutablePath(exe).ParseArgs("--port=8080")
	rec := &recorder{}
	r.AddListener(rec)

	err := r.Startup()
	var serr *StartupError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StartupError, got %v", err)
	}
	if serr.Executable != exe {
		t.Errorf("expected executable %q, got %q", exe, serr.Executable)
	}
	if serr.Err == nil {
		t.Error("expected the OS error to be carried")
	}
	if r.State() != StartupFailed {
		t.Errorf("expected STARTUP_FAILED, got %s", r.State())
	}
	if _, running, _, failed := rec.counts(); running != 0 || failed != 1 {
		t.Errorf("expected 0 running and 1 startup-failed notifications, got %d and %d", running, failed)
	}
	if !errors.As(rec.failErr, &serr) {
		t.Errorf("listener did not receive the startup error: %v", rec.failErr)
	}
}

func TestConfigurationErrors(t *testing.T) {
	r := New("none", exitcode.Posix, WithLogger(quietLogger()))
	if err := r.Startup(); !errors.Is(err, ErrMissingExecutable) {
		t.Errorf("expected ErrMissingExecutable, got %v", err)
	}
	if r.State() != NotStarted {
		t.Errorf("configuration error changed state to %s", r.State())
	}

	r.SetExecutablePath("run")
	if err := r.Startup(); !errors.Is(err, ErrNoExecutableDir) {
		t.Errorf("expected ErrNoExecutableDir, got %v", err)
	}

	if err := r.Configure(Description{}); !errors.Is(err, ErrMissingExecutable) {
		t.Errorf("expected ErrMissingExecutable from Configure, got %v", err)
	}
	if err := r.ConfigureMap(map[string]any{"foo": "bar"}); !errors.Is(err, ErrMissingExecutable) {
		t.Errorf("expected ErrMissingExecutable from ConfigureMap, got %v", err)
	}
}

func TestRestartSucceeds(t *testing.T) {
	// First launch crashes, every relaunch stays up.
	script := writeScript(t, `if [ -f marker ]; then exec sleep 30; fi
touch marker
exit 1`)
	s := restart.NewLimitedRetry(3, 20*time.Millisecond, 60*time.Millisecond, restart.WithLogger(quietLogger()))
	r := newTestRunner(t, script, WithRestartStrategy(s))
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	waitFor(t, "restart to succeed", func() bool {
		if !r.IsRunning() {
			t.Fatalf("runner stopped in state %s", r.State())
		}
		return r.State() == Running && slices.Contains(rec.states(), Restarting)
	})

	want := []State{Starting, Running, Restarting, Running}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if _, running, _, _ := rec.counts(); running != 2 {
		t.Errorf("expected two running notifications, got %d", running)
	}
	if info := r.Info(); info.PID == 0 || info.Restarts != 1 {
		t.Errorf("expected a live restarted process, got %+v", info)
	}
}

func TestRestartFailsWhenRetriesExhausted(t *testing.T) {
	s := restart.NewLimitedRetry(2, 20*time.Millisecond, time.Second, restart.WithLogger(quietLogger()))
	r := newTestRunner(t, writeScript(t, "exit 1"), WithRestartStrategy(s))
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	if r.State() != RestartFailed {
		t.Errorf("expected RESTART_FAILED, got %s", r.State())
	}
	if _, _, shutdown, _ := rec.counts(); shutdown != 1 {
		t.Errorf("expected one shutdown notification, got %d", shutdown)
	}
}

// stuckStrategy produces attempts that never finish on their own.
type stuckStrategy struct {
	mu       sync.Mutex
	attempts []*stuckAttempt
}

func (s *stuckStrategy) NewAttempt(target restart.Restartable) restart.Attempt {
	a := &stuckAttempt{target: target}
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()
	return a
}

func (s *stuckStrategy) AddListener(restart.Listener)    {}
func (s *stuckStrategy) RemoveListener(restart.Listener) {}

func (s *stuckStrategy) last() *stuckAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempts) == 0 {
		return nil
	}
	return s.attempts[len(s.attempts)-1]
}

type stuckAttempt struct {
	target    restart.Restartable
	status    atomic.Int32
	abandoned atomic.Int32
}

func (a *stuckAttempt) IsRestarting() bool     { return a.Status() == restart.StatusInProgress }
func (a *stuckAttempt) Status() restart.Status { return restart.Status(a.status.Load()) }

func (a *stuckAttempt) Quit() {
	a.status.CompareAndSwap(int32(restart.StatusInProgress), int32(restart.StatusCancelled))
}

func (a *stuckAttempt) Abandon() func() {
	if !a.status.CompareAndSwap(int32(restart.StatusInProgress), int32(restart.StatusFailed)) {
		return nil
	}
	return func() { a.abandoned.Add(1) }
}

func TestRestartExceedsMaximumDuration(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Now().UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	s := &stuckStrategy{}
	r := newTestRunner(t, writeScript(t, "exit 1"),
		WithRestartStrategy(s),
		WithRestartDurationMax(time.Second),
		WithClock(now),
	)
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	waitFor(t, "restart to begin", func() bool {
		r.IsRunning()
		return r.State() == Restarting
	})

	if !r.IsRunning() {
		t.Fatal("restart within budget should report running")
	}

	clock.Add(int64(2 * time.Second))
	if r.IsRunning() {
		t.Fatal("restart over budget should report not running")
	}
	if r.State() != RestartFailed {
		t.Fatalf("expected RESTART_FAILED, got %s", r.State())
	}
	a := s.last()
	if a == nil || a.Status() != restart.StatusFailed {
		t.Fatal("expected the attempt to be failed")
	}
	if a.abandoned.Load() != 1 {
		t.Errorf("expected the restart failure to be delivered once, got %d", a.abandoned.Load())
	}
	if _, _, shutdown, _ := rec.counts(); shutdown != 1 {
		t.Errorf("expected one shutdown notification, got %d", shutdown)
	}

	// A late completion from the cancelled attempt changes nothing.
	r.RestartComplete(true)
	if r.State() != RestartFailed {
		t.Errorf("late completion moved state to %s", r.State())
	}
}

func TestRestartOverBudgetNotifiesStrategyListeners(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Now().UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	// The candidate stays up but never for long enough to count as a success.
	script := writeScript(t, `if [ -f marker ]; then exec sleep 30; fi
touch marker
exit 1`)
	var failures atomic.Int32
	s := restart.NewLimitedRetry(3, 20*time.Millisecond, time.Hour, restart.WithLogger(quietLogger()))
	r := newTestRunner(t, script,
		WithRestartStrategy(s),
		WithListeners(&restartCounter{failures: &failures}),
		WithRestartDurationMax(time.Second),
		WithClock(now),
	)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	waitFor(t, "restart candidate", func() bool {
		r.IsRunning()
		return r.State() == Restarting && r.IsRestarted()
	})

	clock.Add(int64(2 * time.Second))
	if r.IsRunning() {
		t.Fatal("restart over budget should report not running")
	}
	if r.State() != RestartFailed {
		t.Fatalf("expected RESTART_FAILED, got %s", r.State())
	}
	if failures.Load() != 1 {
		t.Errorf("expected one restart failure notification, got %d", failures.Load())
	}
	time.Sleep(100 * time.Millisecond)
	if failures.Load() != 1 {
		t.Errorf("restart failure delivered again, got %d", failures.Load())
	}
}

func TestShutdownDuringRestartDestroysCandidate(t *testing.T) {
	script := writeScript(t, `echo $$ >> pids
if [ -f marker ]; then exec sleep 30; fi
touch marker
exit 1`)
	pidFile := filepath.Join(filepath.Dir(script), "pids")

	s := restart.NewLimitedRetry(3, 20*time.Millisecond, time.Hour, restart.WithLogger(quietLogger()))
	r := newTestRunner(t, script, WithRestartStrategy(s))

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	waitFor(t, "restart candidate", func() bool {
		r.IsRunning()
		return r.State() == Restarting && r.IsRestarted() && len(readPIDs(t, pidFile)) == 2
	})

	r.mu.Lock()
	attempt := r.restart.attempt
	r.mu.Unlock()

	r.Shutdown()

	if r.State() != Shutdown {
		t.Fatalf("expected SHUTDOWN, got %s", r.State())
	}
	if got := attempt.Status(); got != restart.StatusCancelled {
		t.Errorf("attempt status = %s, want cancelled", got)
	}

	pids := readPIDs(t, pidFile)
	if len(pids) != 2 {
		t.Fatalf("expected the primary and one candidate, got pids %v", pids)
	}
	for _, pid := range pids {
		if err := syscall.Kill(pid, 0); err == nil {
			t.Errorf("process %d still alive after shutdown", pid)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if after := readPIDs(t, pidFile); len(after) != len(pids) {
		t.Errorf("processes spawned after shutdown: %v", after[len(pids):])
	}
}

func readPIDs(t *testing.T, path string) []int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pids: %v", err)
	}
	var pids []int
	for _, f := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(f)
		if err != nil {
			t.Fatalf("bad pid %q", f)
		}
		pids = append(pids, pid)
	}
	return pids
}

func TestClosedEpisodeCannotTouchNextOne(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Now().UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	s := &stuckStrategy{}
	r := newTestRunner(t, writeScript(t, "exit 1"),
		WithRestartStrategy(s),
		WithRestartDurationMax(time.Second),
		WithClock(now),
	)

	crash := func() *stuckAttempt {
		t.Helper()
		if err := r.Startup(); err != nil {
			t.Fatalf("startup: %v", err)
		}
		waitFor(t, "restart to begin", func() bool {
			r.IsRunning()
			return r.State() == Restarting
		})
		return s.last()
	}

	first := crash()
	clock.Add(int64(2 * time.Second))
	r.IsRunning()
	if r.State() != RestartFailed {
		t.Fatalf("expected RESTART_FAILED, got %s", r.State())
	}
	if err := r.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	second := crash()
	if second == first {
		t.Fatal("expected a fresh attempt for the second episode")
	}

	restarts := r.Info().Restarts
	first.target.AttemptRestart()
	if got := r.Info().Restarts; got != restarts {
		t.Errorf("closed episode launched a candidate: restarts %d -> %d", restarts, got)
	}
	if first.target.IsRestarted() {
		t.Error("closed episode reported a live candidate")
	}
	first.target.RestartComplete(true)
	if r.State() != Restarting {
		t.Errorf("closed episode completed the open one, state %s", r.State())
	}

	second.target.AttemptRestart()
	if got := r.Info().Restarts; got != restarts+1 {
		t.Errorf("open episode should launch a candidate: restarts %d -> %d", restarts, got)
	}
	if ep, ok := second.target.(*Episode); !ok || ep.Runner() != r || ep.Name() != "test" {
		t.Errorf("expected the runner's episode as restart target, got %T", second.target)
	}
}

func TestShutdownTwice(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exec sleep 30"))
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pid := r.Info().PID

	r.Shutdown()
	r.Shutdown()

	if r.State() != Shutdown {
		t.Errorf("expected SHUTDOWN, got %s", r.State())
	}
	if _, _, shutdown, _ := rec.counts(); shutdown != 1 {
		t.Errorf("expected one shutdown notification, got %d", shutdown)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("process %d still alive after shutdown", pid)
	}
	if r.IsRunning() {
		t.Error("shut down runner reported running")
	}
}

func TestShutdownBeforeStartup(t *testing.T) {
	r := New("idle", exitcode.Posix, WithLogger(quietLogger()))
	r.Shutdown()
	if r.State() != NotStarted {
		t.Errorf("expected NOT_STARTED, got %s", r.State())
	}
}

func TestGracefulShutdownListener(t *testing.T) {
	script := writeScript(t, `trap 'exit 0' TERM
while true; do sleep 0.05; done`)
	r := newTestRunner(t, script)
	rec := &recorder{}
	r.AddListener(rec)
	r.AddListener(NewGracefulShutdown(syscall.SIGTERM, 5*time.Second))

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	// Let the shell install its trap.
	time.Sleep(100 * time.Millisecond)

	r.Shutdown()
	if r.State() != Running {
		t.Fatalf("claimed shutdown should wait for the next poll, got %s", r.State())
	}
	pollUntilStopped(t, r)

	if r.State() != Shutdown {
		t.Errorf("expected SHUTDOWN, got %s", r.State())
	}
	if _, _, shutdown, _ := rec.counts(); shutdown != 1 {
		t.Errorf("expected one shutdown notification, got %d", shutdown)
	}
}

type panicky struct{ BaseListener }

func (panicky) OnRunning(*Runner) { panic("boom") }

func TestListenerPanicIsolated(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exec sleep 30"))
	r.AddListener(panicky{})
	rec := &recorder{}
	r.AddListener(rec)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if r.State() != Running {
		t.Errorf("expected RUNNING, got %s", r.State())
	}
	if _, running, _, _ := rec.counts(); running != 1 {
		t.Errorf("sibling listener missed running notification")
	}
}

func TestListenerAddedAfterStrategyGetsRestartEvents(t *testing.T) {
	s := restart.NewLimitedRetry(1, 10*time.Millisecond, time.Second, restart.WithLogger(quietLogger()))
	r := newTestRunner(t, writeScript(t, "exit 1"))
	r.SetRestartStrategy(s)

	var failures atomic.Int32
	l := &restartCounter{failures: &failures}
	r.AddListener(l)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)
	waitFor(t, "restart failure notification", func() bool { return failures.Load() == 1 })
}

func TestConstructionListenersGetRestartEvents(t *testing.T) {
	var failures atomic.Int32
	l := &restartCounter{failures: &failures}
	s := restart.NewLimitedRetry(1, 10*time.Millisecond, time.Second, restart.WithLogger(quietLogger()))
	r := newTestRunner(t, writeScript(t, "exit 1"), WithListeners(l), WithRestartStrategy(s))

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)
	waitFor(t, "restart failure notification", func() bool { return failures.Load() == 1 })
}

type restartCounter struct {
	BaseListener
	failures *atomic.Int32
}

func (c *restartCounter) OnRestartFailure(restart.Strategy, restart.Restartable) {
	c.failures.Add(1)
}

func TestResetAllowsRelaunch(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 2"))

	if err := r.Reset(); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("expected ErrNotTerminal, got %v", err)
	}
	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	if err := r.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if r.State() != NotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", r.State())
	}
	if err := r.Startup(); err != nil {
		t.Fatalf("second startup: %v", err)
	}
	pollUntilStopped(t, r)
	if r.State() != Crashed {
		t.Errorf("expected CRASHED, got %s", r.State())
	}
}

func TestOutputCaptured(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "echo to-stdout\necho to-stderr >&2"))

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	stdout, stderr := r.Output(10)
	if !slices.Contains(stdout, "to-stdout") {
		t.Errorf("stdout = %v", stdout)
	}
	if !slices.Contains(stderr, "to-stderr") {
		t.Errorf("stderr = %v", stderr)
	}
}

func TestCleanEnvironment(t *testing.T) {
	t.Setenv("WARDEN_INHERITED", "yes")
	r := newTestRunner(t, writeScript(t, `echo "inherited=${WARDEN_INHERITED:-unset}"
echo "foo=${FOO:-unset}"`))
	r.SetCleanEnvironment(true).ParseEnvironment("FOO=bar")

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	stdout, _ := r.Output(10)
	if !slices.Contains(stdout, "inherited=unset") {
		t.Errorf("clean environment leaked inherited variable: %v", stdout)
	}
	if !slices.Contains(stdout, "foo=bar") {
		t.Errorf("overlay not applied: %v", stdout)
	}
}

func TestWorkingDirectoryIsExecutableDir(t *testing.T) {
	script := writeScript(t, "pwd")
	r := newTestRunner(t, script)

	if err := r.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	pollUntilStopped(t, r)

	stdout, _ := r.Output(1)
	want, _ := filepath.EvalSymlinks(filepath.Dir(script))
	if len(stdout) != 1 {
		t.Fatalf("expected one line of output, got %v", stdout)
	}
	if got, _ := filepath.EvalSymlinks(stdout[0]); got != want {
		t.Errorf("working dir = %q, want %q", got, want)
	}
}
