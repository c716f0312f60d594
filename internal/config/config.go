// Package config loads the daemon's own settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/warden/internal/spec"
)

const (
	DefaultSamplingPeriod     = 500 * time.Millisecond
	DefaultRestartDurationMax = 10 * time.Second
	DefaultOutputLines        = 200
	DefaultStopTimeout        = 10 * time.Second
)

// Config holds daemon configuration loaded from ~/.warden/config.yaml.
type Config struct {
	Platform           string        `yaml:"platform"`
	SamplingPeriod     spec.Duration `yaml:"sampling_period"`
	RestartDurationMax spec.Duration `yaml:"restart_duration_max"`
	StopTimeout        spec.Duration `yaml:"stop_timeout"`
	OutputLines        int           `yaml:"output_lines"`
	APIAddr            string        `yaml:"api_addr"`
	SpecDir            string        `yaml:"spec_dir"`
	StateDir           string        `yaml:"state_dir"`
	Log                Log           `yaml:"log"`
}

type Log struct {
	Level   string `yaml:"level"`   // debug | info | warn | error
	Format  string `yaml:"format"`  // text | json
	Journal bool   `yaml:"journal"` // also send to the systemd journal when reachable
}

// Dir returns the default warden home: ~/.warden.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".warden")
}

// DefaultPath returns the default config file path: ~/.warden/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path and fills in defaults. A missing,
// empty or all-comment file yields the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = DefaultPlatform()
	}
	if c.SamplingPeriod.Duration <= 0 {
		c.SamplingPeriod.Duration = DefaultSamplingPeriod
	}
	if c.RestartDurationMax.Duration <= 0 {
		c.RestartDurationMax.Duration = DefaultRestartDurationMax
	}
	if c.StopTimeout.Duration <= 0 {
		c.StopTimeout.Duration = DefaultStopTimeout
	}
	if c.OutputLines <= 0 {
		c.OutputLines = DefaultOutputLines
	}
	if c.SpecDir == "" {
		if dir := Dir(); dir != "" {
			c.SpecDir = filepath.Join(dir, "runners")
		}
	}
	if c.StateDir == "" {
		c.StateDir = Dir()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// DefaultPlatform maps the running OS onto a platform identifier the
// runner factory understands.
func DefaultPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "osx"
	default:
		return "linux"
	}
}
