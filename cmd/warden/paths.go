package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/logging"
)

// defaultSocketPath returns the API socket path: ~/.warden/warden.sock.
func defaultSocketPath() string {
	dir := config.Dir()
	if dir == "" {
		return filepath.Join(os.TempDir(), "warden.sock")
	}
	return filepath.Join(dir, "warden.sock")
}

// loadConfig reads the config file named by --config, or the default one,
// and installs the logger it describes.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	_, _, err = logging.Setup(os.Stderr, logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Journal: cfg.Log.Journal,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring logging: %w", err)
	}
	return cfg, nil
}
