// Package fleet supervises groups of runners.
//
// A Collection starts its runners together and then samples them on a fixed
// period. Sampling calls IsRunning on each runner in insertion order; a
// runner that reports false is evicted. Eviction is final: a caller that
// wants to relaunch an evicted runner keeps its own reference, resets it and
// adds it again.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/warden/internal/fanout"
	"github.com/benaskins/warden/internal/runner"
)

// DefaultSamplingPeriod is the interval between sampling passes.
const DefaultSamplingPeriod = 500 * time.Millisecond

// Option configures a Collection.
type Option func(*Collection)

// WithSamplingPeriod sets the interval between sampling passes.
func WithSamplingPeriod(d time.Duration) Option {
	return func(c *Collection) {
		if d > 0 {
			c.period = d
		}
	}
}

// WithLogger sets the collection's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collection) {
		c.logger = l
	}
}

// WithEvictHook registers fn to be called after a runner is evicted by a
// sampling pass.
func WithEvictHook(fn func(*runner.Runner)) Option {
	return func(c *Collection) {
		c.onEvict = append(c.onEvict, fn)
	}
}

// Collection owns a set of runners and polls them.
type Collection struct {
	factory *Factory
	period  time.Duration
	logger  *slog.Logger
	onEvict []func(*runner.Runner)

	runners fanout.Set[*runner.Runner]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollection creates an empty collection whose runners come from f.
func NewCollection(f *Factory, opts ...Option) *Collection {
	c := &Collection{
		factory: f,
		period:  DefaultSamplingPeriod,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "fleet")
	return c
}

// Factory returns the factory used for new runners.
func (c *Collection) Factory() *Factory { return c.factory }

// Startup starts every held runner and begins sampling. It does nothing if
// sampling is already active.
func (c *Collection) Startup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.logger.Warn("collection already started")
		return
	}

	for _, r := range c.runners.Snapshot() {
		c.start(r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.period, c.done)
	c.logger.Info("sampling started", "period", c.period, "runners", c.runners.Len())
}

// Shutdown stops sampling, waits for any pass in flight, and shuts down every
// held runner.
func (c *Collection) Shutdown() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	for _, r := range c.runners.Snapshot() {
		r.Shutdown()
	}
	c.logger.Info("collection shut down")
}

// Sampling reports whether the sampling task is active.
func (c *Collection) Sampling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Add registers r. If sampling is active and r has not been started it is
// started immediately, otherwise it waits for Startup.
func (c *Collection) Add(r *runner.Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runners.Add(r)
	if c.cancel != nil && r.State() == runner.NotStarted {
		c.start(r)
	}
}

// AddDescription builds a runner from d and adds it.
func (c *Collection) AddDescription(d runner.Description, opts ...runner.Option) (*runner.Runner, error) {
	r, err := c.factory.FromDescription(d, opts...)
	if err != nil {
		return nil, err
	}
	c.Add(r)
	return r, nil
}

// AddConfig builds a runner from a flat configuration map and adds it.
func (c *Collection) AddConfig(name string, config map[string]any, opts ...runner.Option) (*runner.Runner, error) {
	r, err := c.factory.FromConfig(name, config, opts...)
	if err != nil {
		return nil, err
	}
	c.Add(r)
	return r, nil
}

// NewRunner creates a platform-appropriate runner without registering it.
func (c *Collection) NewRunner(name string, opts ...runner.Option) *runner.Runner {
	return c.factory.NewRunner(name, opts...)
}

// Remove unregisters r without shutting it down.
func (c *Collection) Remove(r *runner.Runner) bool {
	return c.runners.Remove(r)
}

// Runners returns the held runners in insertion order.
func (c *Collection) Runners() []*runner.Runner {
	return append([]*runner.Runner(nil), c.runners.Snapshot()...)
}

// Get returns the held runner with the given name.
func (c *Collection) Get(name string) (*runner.Runner, bool) {
	for _, r := range c.runners.Snapshot() {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

func (c *Collection) start(r *runner.Runner) {
	if err := r.Startup(); err != nil {
		c.logger.Error("runner failed to start", "runner", r.Name(), "error", err)
	}
}

func (c *Collection) loop(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

// sample polls every runner once and evicts the ones that have stopped.
func (c *Collection) sample() {
	for _, r := range c.runners.Snapshot() {
		var alive bool
		fanout.Call(c.logger, "sample", func() { alive = r.IsRunning() })
		if alive {
			continue
		}
		if c.runners.Remove(r) {
			c.logger.Info("runner evicted", "runner", r.Name(), "state", r.State())
			for _, fn := range c.onEvict {
				fanout.Call(c.logger, "evict", func() { fn(r) })
			}
		}
	}
}
