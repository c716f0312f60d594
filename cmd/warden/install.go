package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// installedBinary returns the resolved path of the running executable, so a
// service manager keeps working when the invoking symlink moves.
func installedBinary() (string, error) {
	binary, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding binary path: %w", err)
	}
	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return "", fmt.Errorf("resolving binary path: %w", err)
	}
	return binary, nil
}

// daemonArgs is the command line a service manager runs.
func daemonArgs(binary string) []string {
	args := []string{binary, "daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}
