// Package runner supervises a single native process.
//
// A Runner builds a launch specification from its configuration, spawns the
// process, and is polled through IsRunning to notice when the process exits.
// Exits are classified by an exitcode.Policy; a failed exit either crashes
// the runner or, when a restart.Strategy is installed, hands control to a
// restart episode that relaunches candidates until one sticks or the
// maximum restart duration passes.
//
// State reads are lock-free. Every mutating method is serialized by one
// mutex, and listeners are notified after that mutex is released.
package runner

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benaskins/warden/internal/exitcode"
	"github.com/benaskins/warden/internal/fanout"
	"github.com/benaskins/warden/internal/logbuf"
	"github.com/benaskins/warden/internal/restart"
)

// DefaultRestartDurationMax is how long a restart episode may run before the
// runner gives up on it.
const DefaultRestartDurationMax = 10 * time.Second

// Exit records how the most recent process ended.
type Exit struct {
	Code    int       `json:"code"`
	Label   string    `json:"label"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

// Info is a point-in-time view of a runner for status reporting.
type Info struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Executable string    `json:"executable,omitempty"`
	Args       []string  `json:"args,omitempty"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Restarts   int       `json:"restarts"`
	LastExit   *Exit     `json:"last_exit,omitempty"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the base logger. The runner adds its own name.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithRestartDurationMax bounds a restart episode.
func WithRestartDurationMax(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.restartMax = d
		}
	}
}

// WithRestartStrategy installs a strategy at construction.
func WithRestartStrategy(s restart.Strategy) Option {
	return func(r *Runner) {
		r.strategy = s
	}
}

// WithListeners registers listeners at construction. They are also
// registered with a strategy installed by WithRestartStrategy.
func WithListeners(ls ...Listener) Option {
	return func(r *Runner) {
		for _, l := range ls {
			r.listeners.Add(l)
		}
	}
}

// WithOutputLines sets how many lines of stdout and stderr are retained.
func WithOutputLines(n int) Option {
	return func(r *Runner) {
		r.outputLines = n
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

type restartContext struct {
	began     time.Time
	attempt   restart.Attempt
	candidate *child
}

// Runner supervises one native process.
type Runner struct {
	name        string
	policy      exitcode.Policy
	logger      *slog.Logger
	restartMax  time.Duration
	outputLines int
	now         func() time.Time

	state     atomic.Int32
	listeners fanout.Set[Listener]

	mu sync.Mutex

	executable string
	args       []string
	overlay    []EnvVar
	clean      bool
	strategy   restart.Strategy

	launch            *LaunchSpec
	child             *child
	restart           *restartContext
	shutdownRequested bool
	startedAt         time.Time
	restarts          int
	lastExit          *Exit
	stdout            *logbuf.Ring
	stderr            *logbuf.Ring
}

// New creates a runner that classifies exits with policy.
func New(name string, policy exitcode.Policy, opts ...Option) *Runner {
	r := &Runner{
		name:       name,
		policy:     policy,
		logger:     slog.Default(),
		restartMax: DefaultRestartDurationMax,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.strategy != nil {
		for _, l := range r.listeners.Snapshot() {
			r.strategy.AddListener(l)
		}
	}
	r.logger = r.logger.With("component", "runner", "runner", name)
	r.stdout = logbuf.New(r.outputLines)
	r.stderr = logbuf.New(r.outputLines)
	return r
}

// Name returns the runner's name.
func (r *Runner) Name() string { return r.name }

// State returns the current state without taking the runner's lock.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Policy returns the exit code policy.
func (r *Runner) Policy() exitcode.Policy { return r.policy }

// Info returns a snapshot for status reporting.
func (r *Runner) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		Name:       r.name,
		State:      r.State(),
		Executable: r.executable,
		Args:       append([]string(nil), r.args...),
		StartedAt:  r.startedAt,
		Restarts:   r.restarts,
	}
	if r.launch != nil {
		info.Executable = r.launch.Executable
		info.Args = append([]string(nil), r.launch.Args...)
	}
	if r.child != nil && r.child.alive() {
		info.PID = r.child.pid
	}
	if r.lastExit != nil {
		e := *r.lastExit
		info.LastExit = &e
	}
	return info
}

// Output returns up to n of the most recent stdout and stderr lines.
func (r *Runner) Output(n int) (stdout, stderr []string) {
	return r.stdout.Last(n), r.stderr.Last(n)
}

// --- configuration ---

// SetExecutablePath sets the program to run.
func (r *Runner) SetExecutablePath(path string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executable = path
	return r
}

// AddArgs appends literal arguments.
func (r *Runner) AddArgs(args ...string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = append(r.args, args...)
	return r
}

// ParseArgs tokenizes flags with SplitFlags and appends the result.
func (r *Runner) ParseArgs(flags string) *Runner {
	return r.AddArgs(SplitFlags(flags)...)
}

// AddEnvironment appends overlay entries.
func (r *Runner) AddEnvironment(vars ...EnvVar) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlay = append(r.overlay, vars...)
	return r
}

// ParseEnvironment tokenizes s with ParseEnvironment and appends the result.
func (r *Runner) ParseEnvironment(s string) *Runner {
	return r.AddEnvironment(ParseEnvironment(s)...)
}

// SetCleanEnvironment selects whether the child starts from an empty
// environment instead of inheriting this process's.
func (r *Runner) SetCleanEnvironment(clean bool) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clean = clean
	return r
}

// SetRestartDurationMax bounds restart episodes started from now on.
func (r *Runner) SetRestartDurationMax(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.restartMax = d
	}
}

// SetRestartStrategy installs s and registers every current listener with it.
// A nil strategy disables restarts.
func (r *Runner) SetRestartStrategy(s restart.Strategy) {
	r.mu.Lock()
	prev := r.strategy
	r.strategy = s
	r.mu.Unlock()

	for _, l := range r.listeners.Snapshot() {
		if prev != nil {
			prev.RemoveListener(l)
		}
		if s != nil {
			s.AddListener(l)
		}
	}
}

// RestartStrategy returns the installed strategy, if any.
func (r *Runner) RestartStrategy() restart.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// AddListener registers l for lifecycle events and, when a strategy is
// installed, for restart events too.
func (r *Runner) AddListener(l Listener) {
	r.listeners.Add(l)
	if s := r.RestartStrategy(); s != nil {
		s.AddListener(l)
	}
}

// RemoveListener unregisters l.
func (r *Runner) RemoveListener(l Listener) {
	r.listeners.Remove(l)
	if s := r.RestartStrategy(); s != nil {
		s.RemoveListener(l)
	}
}

// --- lifecycle ---

// Startup launches the process. Calling it on a runner that is not
// NOT_STARTED logs a warning and does nothing. Configuration problems are
// returned without changing state; a spawn failure moves the runner to
// STARTUP_FAILED and returns a *StartupError.
func (r *Runner) Startup() error {
	var q queue

	r.mu.Lock()
	if st := r.State(); st != NotStarted {
		r.mu.Unlock()
		r.logger.Warn("startup ignored, runner already started", "state", st)
		return nil
	}
	spec, err := newLaunchSpec(r.executable, r.args, r.overlay, r.clean)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner %s: %w", r.name, err)
	}
	r.launch = spec
	r.shutdownRequested = false
	r.setState(Starting, &q)
	q.add(func() {
		r.each("starting", func(l Listener) { l.OnStarting(r) })
	})
	r.mu.Unlock()
	q.run()

	r.mu.Lock()
	defer q.run()
	defer r.mu.Unlock()

	if st := r.State(); st != Starting {
		r.logger.Info("startup abandoned", "state", st)
		return nil
	}

	r.logger.Info("starting process", "executable", spec.Executable, "args", spec.Args, "dir", spec.Dir)
	c, err := spawn(spec, r.stdout, r.stderr)
	if err != nil {
		serr := &StartupError{Executable: spec.Executable, Err: err}
		r.logger.Error("process failed to start", "error", err)
		r.setState(StartupFailed, &q)
		q.add(func() {
			r.each("startup failed", func(l Listener) { l.OnStartupFailed(r, serr) })
		})
		return serr
	}

	r.child = c
	r.startedAt = c.started
	r.logger.Info("process running", "pid", c.pid)
	r.setState(Running, &q)
	q.add(r.notifyRunning)
	return nil
}

// IsRunning polls the process. It returns true while the process is alive
// or a restart episode is still within its time budget.
func (r *Runner) IsRunning() bool {
	var q queue
	defer q.run()
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.child; c != nil {
		r.drainOutput()
		code, exited := c.exited()
		if !exited {
			return true
		}
		return r.handleExit(c, code, &q)
	}

	if rc := r.restart; rc != nil {
		if rc.attempt != nil && rc.attempt.IsRestarting() {
			elapsed := r.now().Sub(rc.began)
			if elapsed <= r.restartMax {
				r.drainOutput()
				return true
			}
			r.logger.Warn("restart exceeded maximum duration", "elapsed", elapsed, "max", r.restartMax)
			notify := rc.attempt.Abandon()
			r.finishRestart(false, &q)
			if notify != nil {
				q.add(notify)
			}
			return false
		}
		r.logger.Warn("restart attempt ended without completing")
		r.finishRestart(false, &q)
		return false
	}

	return false
}

// handleExit classifies the exit of the primary child. Callers hold mu.
func (r *Runner) handleExit(c *child, code int, q *queue) bool {
	c.flush()
	r.drainOutput()
	r.child = nil

	v := r.policy.Classify(code)
	r.lastExit = &Exit{Code: code, Label: v.Label, Success: v.Success, At: r.now()}

	if r.shutdownRequested {
		r.shutdownRequested = false
		r.logger.Info("process stopped", "exit", v.Label)
		r.terminate(Shutdown, q)
		return false
	}

	if v.Success {
		r.logger.Info("process exited", "exit", v.Label)
		r.terminate(Shutdown, q)
		return false
	}

	if r.strategy == nil {
		r.logger.Error("process crashed", "exit", v.Label)
		r.terminate(Crashed, q)
		return false
	}

	r.logger.Warn("process crashed, restarting", "exit", v.Label)
	rc := &restartContext{began: r.now()}
	r.restart = rc
	r.setState(Restarting, q)
	rc.attempt = r.strategy.NewAttempt(&Episode{r: r, rc: rc})
	return true
}

// Shutdown stops the process. Listeners get the first chance to stop it
// gracefully; if none claims the request, the process is destroyed at once.
// Shutting down a runner that never started or has already shut down logs a
// warning and does nothing.
func (r *Runner) Shutdown() {
	var q queue

	r.mu.Lock()
	if st := r.State(); st == NotStarted || st == Shutdown {
		r.mu.Unlock()
		r.logger.Warn("shutdown ignored", "state", st)
		return
	}

	r.abortRestart()

	c := r.child
	if c == nil {
		r.terminate(Shutdown, &q)
		r.mu.Unlock()
		q.run()
		return
	}
	r.shutdownRequested = true
	r.mu.Unlock()

	claimed := false
	r.each("shutdown requested", func(l Listener) {
		if l.OnShutdownRequested(r) {
			claimed = true
		}
	})
	if claimed {
		r.logger.Info("shutdown delegated to listener")
		return
	}

	r.mu.Lock()
	if r.child == c {
		r.logger.Info("destroying process", "pid", c.pid)
		if !c.destroy() {
			r.logger.Error("process did not exit after kill", "pid", c.pid)
		}
		c.flush()
		r.drainOutput()
		if code, ok := c.exited(); ok {
			v := r.policy.Classify(code)
			r.lastExit = &Exit{Code: code, Label: v.Label, Success: v.Success, At: r.now()}
		}
		r.child = nil
		r.shutdownRequested = false
		r.terminate(Shutdown, &q)
	}
	r.mu.Unlock()
	q.run()
}

// Signal sends sig to the process (and its group where supported).
func (r *Runner) Signal(sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.child == nil {
		return ErrNoProcess
	}
	return r.child.signal(sig)
}

// Kill forcibly destroys the primary process without changing state; the
// next poll observes the exit. It reports whether a live process was killed.
func (r *Runner) Kill() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.child == nil || !r.child.alive() {
		return false
	}
	r.child.destroy()
	return true
}

// Reset returns a terminal runner to NOT_STARTED so it can be started again.
func (r *Runner) Reset() error {
	var q queue
	defer q.run()
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.State(); !st.Terminal() {
		return fmt.Errorf("reset %s in state %s: %w", r.name, st, ErrNotTerminal)
	}
	r.abortRestart()
	r.launch = nil
	r.shutdownRequested = false
	r.setState(NotStarted, &q)
	return nil
}

// --- restart.Restartable ---

// Episode is the restart.Restartable a runner hands its strategy for one
// restart episode. Callbacks arriving through an episode the runner has
// already closed are ignored, so a slow attempt can never act on a later
// episode. Restart listeners receive it as their Restartable.
type Episode struct {
	r  *Runner
	rc *restartContext
}

// Runner returns the runner being restarted.
func (e *Episode) Runner() *Runner { return e.r }

// Name returns the runner's name.
func (e *Episode) Name() string { return e.r.name }

func (e *Episode) AttemptRestart()              { e.r.attemptRestart(e.rc) }
func (e *Episode) IsRestarted() bool            { return e.r.isRestarted(e.rc) }
func (e *Episode) RestartComplete(success bool) { e.r.restartComplete(e.rc, success) }

// AttemptRestart spawns a candidate process for the restart episode in
// flight. Strategies reach it through the runner's Episode.
func (r *Runner) AttemptRestart() { r.attemptRestart(nil) }

// IsRestarted reports whether the restart candidate, or failing that the
// primary process, is alive.
func (r *Runner) IsRestarted() bool { return r.isRestarted(nil) }

// RestartComplete finalizes the restart episode. A completion for an
// episode the runner has already closed is ignored.
func (r *Runner) RestartComplete(success bool) { r.restartComplete(nil, success) }

// inFlight returns the open episode if it is rc, or any open episode when rc
// is nil. Callers hold mu.
func (r *Runner) inFlight(rc *restartContext) *restartContext {
	if r.restart == nil || (rc != nil && rc != r.restart) {
		return nil
	}
	return r.restart
}

func (r *Runner) attemptRestart(from *restartContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc := r.inFlight(from)
	if rc == nil {
		r.logger.Warn("ignoring restart attempt for a closed episode")
		return
	}
	if rc.candidate != nil {
		rc.candidate.destroy()
		rc.candidate.flush()
		rc.candidate = nil
	}

	r.restarts++
	c, err := spawn(r.launch, r.stdout, r.stderr)
	if err != nil {
		r.logger.Error("restart launch failed", "error", err)
		return
	}
	r.logger.Info("restart candidate launched", "pid", c.pid, "attempt", r.restarts)
	rc.candidate = c
}

func (r *Runner) isRestarted(from *restartContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from != nil && r.inFlight(from) == nil {
		return false
	}
	if rc := r.restart; rc != nil && rc.candidate != nil {
		r.drainOutput()
		return rc.candidate.alive()
	}
	return r.child != nil && r.child.alive()
}

func (r *Runner) restartComplete(from *restartContext, success bool) {
	var q queue
	defer q.run()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight(from) == nil {
		r.logger.Warn("ignoring restart completion for a closed episode", "success", success)
		return
	}
	r.finishRestart(success, &q)
}

// finishRestart clears the restart context and lands in RUNNING or
// RESTART_FAILED. Callers hold mu.
func (r *Runner) finishRestart(success bool, q *queue) {
	rc := r.restart
	r.restart = nil

	if success && rc.candidate != nil {
		r.child = rc.candidate
		r.startedAt = rc.candidate.started
		r.logger.Info("restart succeeded", "pid", r.child.pid)
		r.setState(Running, q)
		q.add(r.notifyRunning)
		return
	}

	if rc.candidate != nil {
		rc.candidate.destroy()
		rc.candidate.flush()
	}
	r.logger.Error("restart failed")
	r.terminate(RestartFailed, q)
}

// abortRestart cancels any episode and destroys its candidate. Callers hold mu.
func (r *Runner) abortRestart() {
	rc := r.restart
	if rc == nil {
		return
	}
	r.restart = nil
	if rc.attempt != nil {
		rc.attempt.Quit()
	}
	if rc.candidate != nil {
		r.logger.Info("destroying restart candidate", "pid", rc.candidate.pid)
		rc.candidate.destroy()
		rc.candidate.flush()
	}
}

// --- notification plumbing ---

// terminate lands in a terminal state reached after the process ran
// (SHUTDOWN, CRASHED or RESTART_FAILED) and queues the shutdown callback,
// which every listener hears whichever way the process ended. Callers hold mu.
func (r *Runner) terminate(to State, q *queue) {
	r.setState(to, q)
	q.add(func() {
		r.each("shutdown", func(l Listener) { l.OnShutdown(r) })
	})
}

func (r *Runner) notifyRunning() {
	r.each("running", func(l Listener) { l.OnRunning(r) })
}

// setState records a transition and queues the state-change notification.
// Callers hold mu.
func (r *Runner) setState(to State, q *queue) {
	from := State(r.state.Swap(int32(to)))
	if from == to {
		return
	}
	r.logger.Debug("state changed", "from", from, "to", to)
	q.add(func() {
		r.each("state changed", func(l Listener) {
			if sl, ok := l.(StateListener); ok {
				sl.OnStateChanged(r, from, to)
			}
		})
	})
}

func (r *Runner) each(event string, fn func(Listener)) {
	r.listeners.Each(r.logger, event, fn)
}

// drainOutput forwards fresh child output to the log. Callers hold mu.
func (r *Runner) drainOutput() {
	for _, line := range r.stdout.Drain() {
		r.logger.Info(line, "stream", "stdout")
	}
	for _, line := range r.stderr.Drain() {
		r.logger.Error(line, "stream", "stderr")
	}
}

// queue collects notifications while the lock is held so they can be sent
// in order once it is released.
type queue []func()

func (q *queue) add(fn func()) {
	*q = append(*q, fn)
}

func (q *queue) run() {
	fns := *q
	*q = nil
	for _, fn := range fns {
		fn()
	}
}

// sortedKeys is shared by the map-based configuration paths.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
