package daemon

import (
	"fmt"
	"time"

	"github.com/benaskins/warden/internal/health"
	"github.com/benaskins/warden/internal/runner"
	"github.com/benaskins/warden/internal/spec"
)

const (
	// stopPoll is the interval at which a stopping runner is polled.
	stopPoll = 50 * time.Millisecond

	// killGrace is how long a killed runner may take to be observed as gone.
	killGrace = 5 * time.Second
)

// RunnerStatus is the externally-visible state of a managed runner.
type RunnerStatus struct {
	runner.Info
	Uptime     string        `json:"uptime,omitempty"`
	Health     health.Status `json:"health,omitempty"` // empty without a health block
	SpecHash   string        `json:"spec_hash"`
	Supervised bool          `json:"supervised"` // still sampled by the fleet
}

// managedRunner ties a spec to the runner built from it.
type managedRunner struct {
	spec     *spec.RunnerSpec
	runner   *runner.Runner
	watchdog *health.Watchdog // nil without a health block
	// hash is the spec's hash at creation, used for change detection on reload
	hash string
}

func (m *managedRunner) name() string { return m.spec.Runner.Name }

func (m *managedRunner) healthStatus() health.Status {
	if m.watchdog == nil {
		return ""
	}
	return m.watchdog.Status(m.runner)
}

// newManagedRunner builds a runner for s with the daemon's listeners
// attached. The runner is not added to the fleet.
func (d *Daemon) newManagedRunner(s *spec.RunnerSpec) (*managedRunner, error) {
	opts := []runner.Option{
		runner.WithLogger(d.base),
		runner.WithRestartDurationMax(d.restartMax),
		runner.WithOutputLines(d.outputLines),
	}
	// Spec options come last so a spec's max_duration wins.
	opts = append(opts, s.RunnerOptions(d.base)...)

	r, err := d.fleet.Factory().FromDescription(s.Description(), opts...)
	if err != nil {
		return nil, fmt.Errorf("configuring runner %s: %w", s.Runner.Name, err)
	}
	r.AddListener(d.graceful)
	r.AddListener(d.metrics)
	r.AddListener(d.forwarder)
	r.AddListener(d.recorder)

	m := &managedRunner{spec: s, runner: r, hash: s.Hash()}
	if cfg := s.HealthConfig(); cfg != nil {
		m.watchdog = health.NewWatchdog(*cfg, d.base)
		r.AddListener(m.watchdog)
	}
	return m, nil
}

// awaitStopped polls r until it reports not running. After timeout the
// process is killed; if even that is not observed within killGrace an error
// is returned.
func awaitStopped(r *runner.Runner, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	killed := false
	for r.IsRunning() {
		now := time.Now()
		switch {
		case killed && now.After(deadline.Add(killGrace)):
			return fmt.Errorf("runner %s %w (state %s)", r.Name(), ErrStopTimeout, r.State())
		case !killed && now.After(deadline):
			r.Kill()
			killed = true
		}
		time.Sleep(stopPoll)
	}
	return nil
}

func uptime(info runner.Info) string {
	if info.State != runner.Running || info.StartedAt.IsZero() {
		return ""
	}
	return time.Since(info.StartedAt).Truncate(time.Second).String()
}

// dirtyListener schedules a state file write on every transition.
type dirtyListener struct {
	runner.BaseListener
	d *Daemon
}

func (l *dirtyListener) OnStateChanged(*runner.Runner, runner.State, runner.State) {
	l.d.markDirty()
}
