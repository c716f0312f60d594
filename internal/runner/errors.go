package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingExecutable is returned when a runner is configured or started
	// without an executable path.
	ErrMissingExecutable = errors.New("no executable path configured")

	// ErrNoExecutableDir is returned when the executable path has no
	// directory component to run from.
	ErrNoExecutableDir = errors.New("executable path has no directory component")

	// ErrNotTerminal is returned by Reset on a runner that is still live.
	ErrNotTerminal = errors.New("runner is not in a terminal state")

	// ErrNoProcess is returned when an operation needs a live child.
	ErrNoProcess = errors.New("no process running")
)

// StartupError reports that the OS refused to create the process.
type StartupError struct {
	Executable string
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Executable, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
