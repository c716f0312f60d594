package runner

import (
	"fmt"
	"strconv"
)

// State is the lifecycle position of a Runner.
type State int32

const (
	NotStarted State = iota
	Starting
	Running
	StartupFailed
	Shutdown
	Crashed
	Restarting
	RestartFailed
)

var stateNames = [...]string{
	NotStarted:    "NOT_STARTED",
	Starting:      "STARTING",
	Running:       "RUNNING",
	StartupFailed: "STARTUP_FAILED",
	Shutdown:      "SHUTDOWN",
	Crashed:       "CRASHED",
	Restarting:    "RESTARTING",
	RestartFailed: "RESTART_FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "STATE(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition happens without an
// explicit Reset and Startup.
func (s State) Terminal() bool {
	switch s {
	case StartupFailed, Shutdown, Crashed, RestartFailed:
		return true
	}
	return false
}

// MarshalText renders the state by name, so it reads well in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState returns the State with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown runner state %q", name)
}
