// Package spec reads declarative runner descriptions from YAML files.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/warden/internal/health"
	"github.com/benaskins/warden/internal/restart"
	"github.com/benaskins/warden/internal/runner"
)

var runnerNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Restart strategy names.
const (
	StrategyLimited = "limited"
	StrategyBackoff = "backoff"
	StrategyNone    = "none"
)

// RunnerSpec is the top-level structure of a runner file.
type RunnerSpec struct {
	Runner  Runner         `yaml:"runner"`
	Restart *RestartPolicy `yaml:"restart,omitempty"`
	Health  *HealthCheck   `yaml:"health,omitempty"`
}

type Runner struct {
	Name        string            `yaml:"name"`
	Executable  string            `yaml:"executable"`
	Flags       string            `yaml:"flags,omitempty"`       // tokenized, backslash escapes
	Args        []string          `yaml:"args,omitempty"`        // appended after flags
	Environment string            `yaml:"environment,omitempty"` // NAME=value pairs, bare NAME removes
	Env         map[string]string `yaml:"env,omitempty"`
	Unset       []string          `yaml:"unset,omitempty"`
	Clean       bool              `yaml:"clean_environment,omitempty"`
	Config      map[string]string `yaml:"config,omitempty"` // extra --key=value flags
}

type RestartPolicy struct {
	Strategy     string   `yaml:"strategy"` // "limited" | "backoff" | "none"
	Retries      int      `yaml:"retries,omitempty"`
	SampleDelay  Duration `yaml:"sample_delay,omitempty"`
	SuccessAfter Duration `yaml:"success_after,omitempty"`
	MaxDuration  Duration `yaml:"max_duration,omitempty"`
	Initial      Duration `yaml:"initial_interval,omitempty"` // backoff only
	MaxInterval  Duration `yaml:"max_interval,omitempty"`     // backoff only
}

// HealthCheck probes a running process; repeated failures kill it so the
// restart policy takes over.
type HealthCheck struct {
	Type        string   `yaml:"type"`              // "http" | "tcp" | "exec"
	URL         string   `yaml:"url,omitempty"`     // http
	Address     string   `yaml:"address,omitempty"` // tcp, host:port
	Command     string   `yaml:"command,omitempty"` // exec
	Interval    Duration `yaml:"interval,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	GracePeriod Duration `yaml:"grace_period,omitempty"`
	Threshold   int      `yaml:"unhealthy_threshold,omitempty"`
}

// Duration wraps time.Duration for YAML strings like "500ms" or "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads, parses and validates a runner spec.
func Load(path string) (*RunnerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes and validates a runner spec. name is used in error messages.
func Parse(name string, data []byte) (*RunnerSpec, error) {
	var s RunnerSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing spec %s: %w", name, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating spec %s: %w", name, err)
	}
	return &s, nil
}

// LoadDir reads every *.yaml and *.yml spec in dir. Names must be unique.
func LoadDir(dir string) ([]*RunnerSpec, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}
	ymlEntries, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}
	entries = append(entries, ymlEntries...)
	sort.Strings(entries)

	seen := make(map[string]string, len(entries))
	var specs []*RunnerSpec
	for _, path := range entries {
		s, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[s.Runner.Name]; dup {
			return nil, fmt.Errorf("runner %q defined in both %s and %s", s.Runner.Name, prev, path)
		}
		seen[s.Runner.Name] = path
		specs = append(specs, s)
	}
	return specs, nil
}

// Validate checks that a runner spec is well-formed.
func (s *RunnerSpec) Validate() error {
	if s.Runner.Name == "" {
		return fmt.Errorf("runner.name is required")
	}
	if !runnerNameRe.MatchString(s.Runner.Name) {
		return fmt.Errorf("runner.name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", s.Runner.Name)
	}
	if s.Runner.Executable == "" {
		return fmt.Errorf("runner.executable is required")
	}
	if !filepath.IsAbs(s.Runner.Executable) && filepath.Dir(s.Runner.Executable) == "." {
		return fmt.Errorf("runner.executable %q must include a directory", s.Runner.Executable)
	}

	if r := s.Restart; r != nil {
		switch r.Strategy {
		case StrategyLimited, StrategyBackoff, StrategyNone:
		default:
			return fmt.Errorf("restart.strategy must be %q, %q, or %q, got %q",
				StrategyLimited, StrategyBackoff, StrategyNone, r.Strategy)
		}
		if r.Retries < 0 {
			return fmt.Errorf("restart.retries must not be negative")
		}
		for field, d := range map[string]Duration{
			"sample_delay":     r.SampleDelay,
			"success_after":    r.SuccessAfter,
			"max_duration":     r.MaxDuration,
			"initial_interval": r.Initial,
			"max_interval":     r.MaxInterval,
		} {
			if d.Duration < 0 {
				return fmt.Errorf("restart.%s must not be negative", field)
			}
		}
	}
	if h := s.Health; h != nil {
		if err := h.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (h *HealthCheck) validate() error {
	switch health.Kind(h.Type) {
	case health.KindHTTP:
		u, err := url.Parse(h.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("health.url %q must be an absolute http(s) URL", h.URL)
		}
	case health.KindTCP:
		if _, _, err := net.SplitHostPort(h.Address); err != nil {
			return fmt.Errorf("health.address %q must be host:port: %w", h.Address, err)
		}
	case health.KindExec:
		if h.Command == "" {
			return fmt.Errorf("health.command is required for exec checks")
		}
	default:
		return fmt.Errorf("health.type must be %q, %q, or %q, got %q",
			health.KindHTTP, health.KindTCP, health.KindExec, h.Type)
	}
	if h.Threshold < 0 {
		return fmt.Errorf("health.unhealthy_threshold must not be negative")
	}
	if h.Interval.Duration < 0 || h.Timeout.Duration < 0 || h.GracePeriod.Duration < 0 {
		return fmt.Errorf("health durations must not be negative")
	}
	return nil
}

// Hash returns a stable digest of the spec, used to spot changes on reload.
func (s *RunnerSpec) Hash() string {
	data, err := yaml.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Description converts the spec into a runner description.
func (s *RunnerSpec) Description() runner.Description {
	r := s.Runner
	d := runner.Description{
		Name:             r.Name,
		Executable:       r.Executable,
		Flags:            r.Flags,
		Args:             append([]string(nil), r.Args...),
		Environment:      r.Environment,
		CleanEnvironment: r.Clean,
		Config:           r.Config,
	}

	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Env = append(d.Env, runner.EnvVar{Name: k, Value: r.Env[k]})
	}
	for _, k := range r.Unset {
		d.Env = append(d.Env, runner.EnvVar{Name: k, Unset: true})
	}
	return d
}

// Strategy builds a fresh restart strategy for the spec, or nil when the
// runner should not be restarted. Each runner needs its own strategy so its
// listeners only hear about its own restarts.
func (s *RunnerSpec) Strategy(logger *slog.Logger) restart.Strategy {
	r := s.Restart
	if r == nil || r.Strategy == StrategyNone {
		return nil
	}
	opts := []restart.Option{
		restart.WithLogger(logger.With("component", "restart", "runner", s.Runner.Name)),
	}

	switch r.Strategy {
	case StrategyBackoff:
		return restart.NewBackoff(restart.BackoffConfig{
			InitialInterval: r.Initial.Duration,
			MaxInterval:     r.MaxInterval.Duration,
			MaxRetries:      r.Retries,
			SampleDelay:     r.SampleDelay.Duration,
			SuccessAfter:    r.SuccessAfter.Duration,
		}, opts...)
	default:
		return restart.NewLimitedRetry(r.Retries, r.SampleDelay.Duration, r.SuccessAfter.Duration, opts...)
	}
}

// RunnerOptions returns the per-runner options implied by the spec.
func (s *RunnerSpec) RunnerOptions(logger *slog.Logger) []runner.Option {
	var opts []runner.Option
	if st := s.Strategy(logger); st != nil {
		opts = append(opts, runner.WithRestartStrategy(st))
	}
	if s.Restart != nil && s.Restart.MaxDuration.Duration > 0 {
		opts = append(opts, runner.WithRestartDurationMax(s.Restart.MaxDuration.Duration))
	}
	return opts
}

// HealthConfig returns the probe configuration, or nil when the spec has no
// health block.
func (s *RunnerSpec) HealthConfig() *health.Config {
	h := s.Health
	if h == nil {
		return nil
	}
	return &health.Config{
		Kind:        health.Kind(h.Type),
		URL:         h.URL,
		Address:     h.Address,
		Command:     h.Command,
		Interval:    h.Interval.Duration,
		Timeout:     h.Timeout.Duration,
		GracePeriod: h.GracePeriod.Duration,
		Threshold:   h.Threshold,
	}
}
