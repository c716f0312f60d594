package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/warden/internal/audit"
	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/events"
	"github.com/benaskins/warden/internal/fleet"
	"github.com/benaskins/warden/internal/metrics"
	"github.com/benaskins/warden/internal/runner"
	"github.com/benaskins/warden/internal/spec"
)

// DefaultStopTimeout is how long a runner gets to exit after the stop signal
// before it is killed.
const DefaultStopTimeout = 10 * time.Second

var (
	// ErrNotFound is returned for a runner name the daemon does not manage.
	ErrNotFound = errors.New("runner not found")

	// ErrStopTimeout is returned when a runner is still running after the
	// stop timeout and the kill that follows it.
	ErrStopTimeout = errors.New("did not stop")
)

// Daemon is the top-level process supervisor.
type Daemon struct {
	specDir  string
	stateDir string

	platform    string
	sampling    time.Duration
	restartMax  time.Duration
	outputLines int
	stopTimeout time.Duration

	fleet     *fleet.Collection
	metrics   *metrics.Collector
	bus       *events.Bus
	forwarder *events.Forwarder
	graceful  *runner.GracefulShutdown
	recorder  *dirtyListener
	audit     *audit.Logger

	runners map[string]*managedRunner
	state   *stateFile
	dirty   chan struct{}
	mu      sync.RWMutex
	base    *slog.Logger
	logger  *slog.Logger
}

// NewDaemon creates a daemon that supervises the runners described in
// specDir. It fails only when the configured platform is unknown.
func NewDaemon(specDir string, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		specDir:     specDir,
		stateDir:    specDir, // default: same as spec dir
		platform:    config.DefaultPlatform(),
		sampling:    fleet.DefaultSamplingPeriod,
		restartMax:  runner.DefaultRestartDurationMax,
		stopTimeout: DefaultStopTimeout,
		runners:     make(map[string]*managedRunner),
		dirty:       make(chan struct{}, 1),
		base:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.base.With("component", "daemon")
	d.state = newStateFile(d.stateDir)

	d.metrics = metrics.NewCollector()
	d.bus = events.New()
	d.forwarder = events.NewForwarder(d.bus)
	d.graceful = runner.NewGracefulShutdown(syscall.SIGTERM, d.stopTimeout)
	d.recorder = &dirtyListener{d: d}

	factory, err := fleet.NewFactory(d.platform)
	if err != nil {
		return nil, err
	}
	d.fleet = fleet.NewCollection(factory,
		fleet.WithSamplingPeriod(d.sampling),
		fleet.WithLogger(d.base),
		fleet.WithEvictHook(d.metrics.Evicted),
		fleet.WithEvictHook(d.forwarder.Evicted),
		fleet.WithEvictHook(func(*runner.Runner) { d.markDirty() }),
	)
	return d, nil
}

// Option configures the daemon.
type Option func(*Daemon)

// WithStateDir sets the directory for the daemon state file.
func WithStateDir(dir string) Option {
	return func(d *Daemon) {
		d.stateDir = dir
	}
}

// WithPlatform selects the exit code policy by platform name.
func WithPlatform(platform string) Option {
	return func(d *Daemon) {
		d.platform = platform
	}
}

// WithSamplingPeriod sets how often the fleet is polled.
func WithSamplingPeriod(p time.Duration) Option {
	return func(d *Daemon) {
		if p > 0 {
			d.sampling = p
		}
	}
}

// WithRestartDurationMax sets the default restart budget; a spec's
// restart.max_duration overrides it.
func WithRestartDurationMax(max time.Duration) Option {
	return func(d *Daemon) {
		if max > 0 {
			d.restartMax = max
		}
	}
}

// WithOutputLines sets how many output lines each runner retains per stream.
func WithOutputLines(n int) Option {
	return func(d *Daemon) {
		d.outputLines = n
	}
}

// WithStopTimeout sets the grace period between SIGTERM and SIGKILL.
func WithStopTimeout(timeout time.Duration) Option {
	return func(d *Daemon) {
		if timeout > 0 {
			d.stopTimeout = timeout
		}
	}
}

// WithLogger sets the logger handed to the daemon and its runners.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		d.base = l
	}
}

// WithAudit records reloads triggered by the spec directory watcher to l.
func WithAudit(l *audit.Logger) Option {
	return func(d *Daemon) {
		d.audit = l
	}
}

// OptionsFromConfig maps the daemon's configuration file onto options.
func OptionsFromConfig(cfg *config.Config) []Option {
	return []Option{
		WithStateDir(cfg.StateDir),
		WithPlatform(cfg.Platform),
		WithSamplingPeriod(cfg.SamplingPeriod.Duration),
		WithRestartDurationMax(cfg.RestartDurationMax.Duration),
		WithOutputLines(cfg.OutputLines),
		WithStopTimeout(cfg.StopTimeout.Duration),
	}
}

// Metrics returns the Prometheus collector every runner reports to.
func (d *Daemon) Metrics() *metrics.Collector { return d.metrics }

// Events returns the bus carrying state changes and evictions.
func (d *Daemon) Events() *events.Bus { return d.bus }

// Start loads all specs, starts their runners and begins sampling.
func (d *Daemon) Start(ctx context.Context) error {
	specs, err := spec.LoadDir(d.specDir)
	if err != nil {
		return fmt.Errorf("loading specs: %w", err)
	}

	d.logger.Info("loaded runner specs", "count", len(specs), "dir", d.specDir)

	prevState, err := d.state.load()
	if err != nil {
		d.logger.Warn("failed to load previous state", "error", err)
	}
	for name, rec := range prevState {
		if rec.PID > 0 {
			d.logger.Warn("runner was live when the daemon last exited",
				"runner", name, "pid", rec.PID, "state", rec.State)
		}
	}

	d.mu.Lock()
	for _, s := range specs {
		m, err := d.newManagedRunner(s)
		if err != nil {
			d.logger.Error("failed to configure runner", "runner", s.Runner.Name, "error", err)
			continue
		}
		d.runners[s.Runner.Name] = m
		d.fleet.Add(m.runner)
	}
	d.mu.Unlock()

	d.fleet.Startup()
	d.markDirty()

	go d.persistLoop(ctx)

	// Start file watcher for auto-reload
	go func() {
		if err := d.StartWatcher(ctx); err != nil {
			d.logger.Error("spec file watcher failed", "error", err)
		}
	}()

	return nil
}

// Stop ends sampling and stops every runner, waiting up to timeout for each
// to exit before it is killed.
func (d *Daemon) Stop(timeout time.Duration) {
	d.fleet.Shutdown()

	d.mu.RLock()
	managed := d.sortedLocked()
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range managed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := awaitStopped(m.runner, timeout); err != nil {
				d.logger.Error("error stopping runner", "runner", m.name(), "error", err)
			}
		}()
	}
	wg.Wait()

	d.logger.Info("all runners stopped")
	d.persist()
}

// StopRunner shuts down a single runner and waits for it to exit.
func (d *Daemon) StopRunner(name string) error {
	m, err := d.lookup(name)
	if err != nil {
		return err
	}
	d.logger.Info("stopping runner", "runner", name)
	m.runner.Shutdown()
	err = awaitStopped(m.runner, d.stopTimeout)
	d.markDirty()
	return err
}

// Relaunch starts a runner again from scratch. A live runner is stopped
// first; a stopped one is reset and handed back to the fleet.
func (d *Daemon) Relaunch(name string) error {
	m, err := d.lookup(name)
	if err != nil {
		return err
	}
	r := m.runner

	if st := r.State(); st != runner.NotStarted && !st.Terminal() {
		r.Shutdown()
		if err := awaitStopped(r, d.stopTimeout); err != nil {
			return err
		}
	}

	// Out of the fleet before the reset so a concurrent sampling pass cannot
	// evict the runner while it is briefly NOT_STARTED.
	d.fleet.Remove(r)
	if r.State() != runner.NotStarted {
		if err := r.Reset(); err != nil {
			return err
		}
	}

	d.logger.Info("relaunching runner", "runner", name)
	err = r.Startup()
	d.fleet.Add(r)
	d.markDirty()
	return err
}

// Statuses returns every managed runner ordered by name.
func (d *Daemon) Statuses() []RunnerStatus {
	d.mu.RLock()
	managed := d.sortedLocked()
	d.mu.RUnlock()

	out := make([]RunnerStatus, 0, len(managed))
	for _, m := range managed {
		out = append(out, d.status(m))
	}
	return out
}

// Status returns a single runner's status.
func (d *Daemon) Status(name string) (RunnerStatus, error) {
	m, err := d.lookup(name)
	if err != nil {
		return RunnerStatus{}, err
	}
	return d.status(m), nil
}

// Output returns the last n captured lines of a runner's stdout and stderr.
func (d *Daemon) Output(name string, n int) (stdout, stderr []string, err error) {
	m, err := d.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	stdout, stderr = m.runner.Output(n)
	return stdout, stderr, nil
}

// Reload re-reads specs and reconciles: start new, stop removed, restart changed.
func (d *Daemon) Reload(_ context.Context) (*ReloadResult, error) {
	specs, err := spec.LoadDir(d.specDir)
	if err != nil {
		return nil, fmt.Errorf("loading specs: %w", err)
	}

	newSpecs := make(map[string]*spec.RunnerSpec, len(specs))
	for _, s := range specs {
		newSpecs[s.Runner.Name] = s
	}

	result := &ReloadResult{}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Stop removed runners
	for _, name := range sortedNames(d.runners) {
		if _, exists := newSpecs[name]; exists {
			continue
		}
		d.logger.Info("removing runner", "runner", name)
		d.retire(d.runners[name])
		delete(d.runners, name)
		result.Removed = append(result.Removed, name)
	}

	for _, name := range sortedNames(newSpecs) {
		s := newSpecs[name]
		m, exists := d.runners[name]
		switch {
		case !exists:
			d.logger.Info("adding runner", "runner", name)
			if err := d.launch(s); err != nil {
				d.logger.Error("failed to add runner", "runner", name, "error", err)
				continue
			}
			result.Added = append(result.Added, name)

		case m.hash != s.Hash():
			d.logger.Info("restarting changed runner", "runner", name)
			d.retire(m)
			delete(d.runners, name)
			if err := d.launch(s); err != nil {
				d.logger.Error("failed to restart changed runner", "runner", name, "error", err)
				continue
			}
			result.Restarted = append(result.Restarted, name)
		}
	}

	d.markDirty()
	return result, nil
}

// ReloadResult summarizes what changed during a reload.
type ReloadResult struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
}

// String renders the result on one line, for logs and the audit trail.
func (r *ReloadResult) String() string {
	return fmt.Sprintf("added=%v removed=%v restarted=%v", r.Added, r.Removed, r.Restarted)
}

// Changed reports whether the reload touched any runner.
func (r *ReloadResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0 || len(r.Restarted) > 0
}

// launch builds a runner for s and hands it to the fleet. Callers hold mu.
func (d *Daemon) launch(s *spec.RunnerSpec) error {
	m, err := d.newManagedRunner(s)
	if err != nil {
		return err
	}
	d.runners[s.Runner.Name] = m
	d.fleet.Add(m.runner)
	return nil
}

// retire stops m and takes it out of the fleet.
func (d *Daemon) retire(m *managedRunner) {
	m.runner.Shutdown()
	if err := awaitStopped(m.runner, d.stopTimeout); err != nil {
		d.logger.Error("error stopping runner", "runner", m.name(), "error", err)
	}
	if d.fleet.Remove(m.runner) {
		d.metrics.Evicted(m.runner)
		d.forwarder.Evicted(m.runner)
	}
}

func (d *Daemon) lookup(name string) (*managedRunner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.runners[name]
	if !ok {
		return nil, fmt.Errorf("runner %q: %w", name, ErrNotFound)
	}
	return m, nil
}

func (d *Daemon) sortedLocked() []*managedRunner {
	out := make([]*managedRunner, 0, len(d.runners))
	for _, name := range sortedNames(d.runners) {
		out = append(out, d.runners[name])
	}
	return out
}

func (d *Daemon) status(m *managedRunner) RunnerStatus {
	info := m.runner.Info()
	held, ok := d.fleet.Get(m.name())
	return RunnerStatus{
		Info:       info,
		Uptime:     uptime(info),
		Health:     m.healthStatus(),
		SpecHash:   m.hash,
		Supervised: ok && held == m.runner,
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
