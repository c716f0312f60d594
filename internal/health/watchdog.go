package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/warden/internal/runner"
)

// Watchdog is a runner listener that probes each runner it is attached to
// while that runner is RUNNING.
type Watchdog struct {
	runner.BaseListener

	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	monitors map[*runner.Runner]*monitor
	status   map[*runner.Runner]Status
}

// NewWatchdog creates a watchdog probing with cfg.
func NewWatchdog(cfg Config, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "health"),
		monitors: make(map[*runner.Runner]*monitor),
		status:   make(map[*runner.Runner]Status),
	}
}

// Status returns the last known health of r.
func (w *Watchdog) Status(r *runner.Runner) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.status[r]; ok {
		return s
	}
	return StatusUnknown
}

func (w *Watchdog) OnStateChanged(r *runner.Runner, _, to runner.State) {
	if to == runner.Running {
		w.start(r)
		return
	}
	w.stop(r)
}

func (w *Watchdog) start(r *runner.Runner) {
	m := &monitor{
		cfg:    w.cfg,
		logger: w.logger.With("runner", r.Name()),
		report: func(s Status) { w.setStatus(r, s) },
		onUnhealthy: func() {
			if r.Kill() {
				w.logger.Warn("killed unhealthy process", "runner", r.Name())
			}
		},
	}

	w.mu.Lock()
	prev := w.monitors[r]
	w.monitors[r] = m
	w.status[r] = StatusUnknown
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	m.start()
}

func (w *Watchdog) stop(r *runner.Runner) {
	w.mu.Lock()
	m := w.monitors[r]
	delete(w.monitors, r)
	delete(w.status, r)
	w.mu.Unlock()

	if m != nil {
		m.stop()
	}
}

func (w *Watchdog) setStatus(r *runner.Runner, s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.monitors[r]; ok {
		w.status[r] = s
	}
}

// monitor runs periodic probes and tracks consecutive failures.
type monitor struct {
	cfg         Config
	logger      *slog.Logger
	report      func(Status)
	onUnhealthy func()

	cancel context.CancelFunc
	done   chan struct{}
}

func (m *monitor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

func (m *monitor) stop() {
	m.cancel()
	<-m.done
}

func (m *monitor) run(ctx context.Context) {
	defer close(m.done)

	// Grace period
	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	status := StatusUnknown
	fails := 0
	for {
		err := m.cfg.Check(ctx)
		// Don't record results from cancelled context, the monitor is shutting down
		if ctx.Err() != nil {
			return
		}

		prev := status
		if err == nil {
			fails = 0
			status = StatusHealthy
		} else {
			fails++
			m.logger.Warn("health check failed",
				"error", err,
				"consecutive_fails", fails,
				"threshold", m.cfg.Threshold,
			)
			if fails >= m.cfg.Threshold {
				status = StatusUnhealthy
			}
		}
		m.report(status)

		// Fire callback on transition to unhealthy
		if prev != StatusUnhealthy && status == StatusUnhealthy {
			m.logger.Error("runner is unhealthy", "consecutive_fails", fails)
			m.onUnhealthy()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
