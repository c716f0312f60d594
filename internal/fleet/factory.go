package fleet

import (
	"fmt"

	"github.com/benaskins/warden/internal/exitcode"
	"github.com/benaskins/warden/internal/runner"
)

// Factory builds runners for one platform.
type Factory struct {
	platform string
	policy   exitcode.Policy
	opts     []runner.Option
}

// NewFactory selects the exit code policy for platform. Every runner it
// builds gets opts.
func NewFactory(platform string, opts ...runner.Option) (*Factory, error) {
	policy, err := exitcode.ForPlatform(platform)
	if err != nil {
		return nil, fmt.Errorf("runner factory: %w", err)
	}
	return &Factory{platform: platform, policy: policy, opts: opts}, nil
}

// Platform returns the platform identifier the factory was built for.
func (f *Factory) Platform() string { return f.platform }

// Policy returns the exit code policy handed to new runners.
func (f *Factory) Policy() exitcode.Policy { return f.policy }

// NewRunner creates an unconfigured runner.
func (f *Factory) NewRunner(name string, opts ...runner.Option) *runner.Runner {
	all := append(append([]runner.Option(nil), f.opts...), opts...)
	return runner.New(name, f.policy, all...)
}

// FromDescription creates a runner configured from d.
func (f *Factory) FromDescription(d runner.Description, opts ...runner.Option) (*runner.Runner, error) {
	r := f.NewRunner(d.Name, opts...)
	if err := r.Configure(d); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig creates a runner configured from a flat map.
func (f *Factory) FromConfig(name string, config map[string]any, opts ...runner.Option) (*runner.Runner, error) {
	r := f.NewRunner(name, opts...)
	if err := r.ConfigureMap(config); err != nil {
		return nil, err
	}
	return r, nil
}
