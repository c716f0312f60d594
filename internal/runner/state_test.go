package runner

import (
	"encoding/json"
	"testing"
)

func TestStateNames(t *testing.T) {
	tests := []struct {
		state    State
		name     string
		terminal bool
	}{
		{NotStarted, "NOT_STARTED", false},
		{Starting, "STARTING", false},
		{Running, "RUNNING", false},
		{StartupFailed, "STARTUP_FAILED", true},
		{Shutdown, "SHUTDOWN", true},
		{Crashed, "CRASHED", true},
		{Restarting, "RESTARTING", false},
		{RestartFailed, "RESTART_FAILED", true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.name {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.name)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.name, got, tt.terminal)
		}
		parsed, err := ParseState(tt.name)
		if err != nil || parsed != tt.state {
			t.Errorf("ParseState(%q) = %v, %v", tt.name, parsed, err)
		}
	}

	if got := State(42).String(); got != "STATE(42)" {
		t.Errorf("unknown state String() = %q", got)
	}
	if _, err := ParseState("BOGUS"); err == nil {
		t.Error("expected error for unknown state name")
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(Info{Name: "a", State: RestartFailed})
	if err != nil {
		t.Fatal(err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if info.State != RestartFailed {
		t.Errorf("expected RESTART_FAILED, got %s", info.State)
	}
}
