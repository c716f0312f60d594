package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benaskins/warden/internal/runner"
)

// ErrRunTimeout is returned by Run when the runner has not finished in time.
var ErrRunTimeout = errors.New("runner did not finish in time")

// terminalWatcher closes done the first time its runner reports "shutdown"
// or "startup failed", the two callbacks that end a runner's life.
type terminalWatcher struct {
	runner.BaseListener
	once sync.Once
	done chan struct{}
}

func (w *terminalWatcher) OnShutdown(*runner.Runner)             { w.finish() }
func (w *terminalWatcher) OnStartupFailed(*runner.Runner, error) { w.finish() }

func (w *terminalWatcher) finish() {
	w.once.Do(func() { close(w.done) })
}

// Run adds a runner built from d and blocks until it reaches a terminal
// state, wait elapses, or ctx is done. A non-positive wait means no limit.
// On timeout or cancellation the runner is shut down and Run waits for it to
// stop. Either way the runner is removed from the collection before Run
// returns.
//
// When the collection is not sampling, Run polls the runner itself at the
// collection's sampling period.
func (c *Collection) Run(ctx context.Context, d runner.Description, wait time.Duration, opts ...runner.Option) (runner.State, error) {
	r, err := c.factory.FromDescription(d, opts...)
	if err != nil {
		return runner.NotStarted, err
	}

	w := &terminalWatcher{done: make(chan struct{})}
	r.AddListener(w)
	defer r.RemoveListener(w)
	defer c.Remove(r)

	var poll <-chan time.Time
	c.Add(r)
	if !c.Sampling() {
		ticker := time.NewTicker(c.period)
		defer ticker.Stop()
		poll = ticker.C
		c.start(r)
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-w.done:
			return r.State(), nil
		case <-poll:
			r.IsRunning()
		case <-timeout:
			c.stopAndWait(r, w.done)
			return r.State(), fmt.Errorf("%s after %s: %w", d.Name, wait, ErrRunTimeout)
		case <-ctx.Done():
			c.stopAndWait(r, w.done)
			return r.State(), ctx.Err()
		}
	}
}

// stopAndWait shuts r down and polls it until it reaches a terminal state. A
// listener that claims the shutdown decides how long that takes.
func (c *Collection) stopAndWait(r *runner.Runner, done <-chan struct{}) {
	r.Shutdown()

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.IsRunning()
		}
	}
}
