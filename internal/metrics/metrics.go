// Package metrics exports runner lifecycle counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/warden/internal/restart"
	"github.com/benaskins/warden/internal/runner"
)

const namespace = "warden"

var allStates = []runner.State{
	runner.NotStarted,
	runner.Starting,
	runner.Running,
	runner.StartupFailed,
	runner.Shutdown,
	runner.Crashed,
	runner.Restarting,
	runner.RestartFailed,
}

// Collector records runner events. It is a runner.Listener, so one
// Collector is added to every supervised runner.
type Collector struct {
	runner.BaseListener

	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	state           *prometheus.GaugeVec
	startupFailures *prometheus.CounterVec
	restartAttempts *prometheus.CounterVec
	restartOutcomes *prometheus.CounterVec
	evictions       *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry. The registry also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_state_transitions_total",
			Help:      "Total number of runner state transitions.",
		}, []string{"runner", "from", "to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_state",
			Help:      "Current runner state; 1 for the active state, 0 otherwise.",
		}, []string{"runner", "state"}),
		startupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_startup_failures_total",
			Help:      "Total number of failed process launches at startup.",
		}, []string{"runner"}),
		restartAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_restart_attempts_total",
			Help:      "Total number of relaunches made by restart strategies.",
		}, []string{"runner"}),
		restartOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_restart_episodes_total",
			Help:      "Total number of finished restart episodes by outcome.",
		}, []string{"runner", "outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_evictions_total",
			Help:      "Total number of runners evicted from the collection, by final state.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.transitions,
		c.state,
		c.startupFailures,
		c.restartAttempts,
		c.restartOutcomes,
		c.evictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) OnStateChanged(r *runner.Runner, from, to runner.State) {
	name := r.Name()
	c.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	for _, s := range allStates {
		v := 0.0
		if s == to {
			v = 1
		}
		c.state.WithLabelValues(name, s.String()).Set(v)
	}
}

func (c *Collector) OnStartupFailed(r *runner.Runner, _ error) {
	c.startupFailures.WithLabelValues(r.Name()).Inc()
}

func (c *Collector) OnRestartAttempt(_ restart.Strategy, target restart.Restartable, _ bool) bool {
	c.restartAttempts.WithLabelValues(nameOf(target)).Inc()
	return true
}

func (c *Collector) OnRestartSuccess(_ restart.Strategy, target restart.Restartable) {
	c.restartOutcomes.WithLabelValues(nameOf(target), "success").Inc()
}

func (c *Collector) OnRestartFailure(_ restart.Strategy, target restart.Restartable) {
	c.restartOutcomes.WithLabelValues(nameOf(target), "failure").Inc()
}

// Evicted records a runner leaving the collection and drops its state series.
func (c *Collector) Evicted(r *runner.Runner) {
	c.evictions.WithLabelValues(r.State().String()).Inc()
	c.state.DeletePartialMatch(prometheus.Labels{"runner": r.Name()})
}

func nameOf(target restart.Restartable) string {
	switch t := target.(type) {
	case *runner.Episode:
		return t.Name()
	case *runner.Runner:
		return t.Name()
	}
	return "unknown"
}
