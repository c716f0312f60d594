package runner

import (
	"os"
	"sync"
	"time"

	"github.com/benaskins/warden/internal/restart"
)

// Listener observes a runner's lifecycle. Restart callbacks come from the
// embedded restart.Listener and are delivered by the runner's strategy.
//
// Callbacks run outside the runner's lock, so they may call back into the
// runner. A panicking listener is logged and skipped.
type Listener interface {
	restart.Listener

	OnStarting(r *Runner)
	OnRunning(r *Runner)

	// OnShutdownRequested gives the listener first chance at stopping the
	// process. Returning true claims the shutdown: the runner leaves the
	// child alone and finalizes once a later poll sees it exit.
	OnShutdownRequested(r *Runner) bool

	// OnShutdown is called each time a process that ran lands in a terminal
	// state, whether SHUTDOWN, CRASHED or RESTART_FAILED. r.State() says
	// which.
	OnShutdown(r *Runner)

	OnStartupFailed(r *Runner, err error)
}

// StateListener is an optional extension of Listener that sees every
// transition, including the ones with no dedicated callback.
type StateListener interface {
	OnStateChanged(r *Runner, from, to State)
}

// BaseListener implements Listener with no-ops, for embedding.
type BaseListener struct{}

func (BaseListener) OnStarting(*Runner)                                     {}
func (BaseListener) OnRunning(*Runner)                                      {}
func (BaseListener) OnShutdownRequested(*Runner) bool                       { return false }
func (BaseListener) OnShutdown(*Runner)                                     {}
func (BaseListener) OnStartupFailed(*Runner, error)                         {}
func (BaseListener) OnRestartSuccess(restart.Strategy, restart.Restartable) {}
func (BaseListener) OnRestartFailure(restart.Strategy, restart.Restartable) {}

func (BaseListener) OnRestartAttempt(restart.Strategy, restart.Restartable, bool) bool {
	return true
}

// GracefulShutdown claims shutdown requests by signalling the process group
// and forcing a kill if the process is still around after Timeout.
type GracefulShutdown struct {
	BaseListener

	Signal  os.Signal
	Timeout time.Duration

	mu     sync.Mutex
	timers map[*Runner]*time.Timer
}

// NewGracefulShutdown creates a listener that sends sig on shutdown.
func NewGracefulShutdown(sig os.Signal, timeout time.Duration) *GracefulShutdown {
	return &GracefulShutdown{Signal: sig, Timeout: timeout}
}

func (g *GracefulShutdown) OnShutdownRequested(r *Runner) bool {
	if err := r.Signal(g.Signal); err != nil {
		r.logger.Warn("graceful stop signal failed, destroying", "error", err)
		return false
	}
	r.logger.Info("sent stop signal", "signal", g.Signal, "timeout", g.Timeout)

	if g.Timeout > 0 {
		g.mu.Lock()
		if g.timers == nil {
			g.timers = make(map[*Runner]*time.Timer)
		}
		if t, ok := g.timers[r]; ok {
			t.Stop()
		}
		g.timers[r] = time.AfterFunc(g.Timeout, func() {
			if r.Kill() {
				r.logger.Warn("process ignored stop signal, killed")
			}
		})
		g.mu.Unlock()
	}
	return true
}

func (g *GracefulShutdown) OnShutdown(r *Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[r]; ok {
		t.Stop()
		delete(g.timers, r)
	}
}
