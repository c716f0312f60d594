package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/benaskins/warden/internal/runner"
)

// stateFile persists the last known state of every runner.
type stateFile struct {
	path string
	mu   sync.Mutex
}

// RunnerRecord is the persisted state of a managed runner.
type RunnerRecord struct {
	State      string       `json:"state"`
	PID        int          `json:"pid,omitempty"`
	Executable string       `json:"executable,omitempty"`
	StartedAt  int64        `json:"started_at,omitempty"` // Unix timestamp
	Restarts   int          `json:"restarts,omitempty"`
	LastExit   *runner.Exit `json:"last_exit,omitempty"`
	SpecHash   string       `json:"spec_hash,omitempty"`
}

func newStateFile(dir string) *stateFile {
	return &stateFile{
		path: filepath.Join(dir, "state.json"),
	}
}

func (sf *stateFile) load() (map[string]RunnerRecord, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	data, err := os.ReadFile(sf.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var records map[string]RunnerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return records, nil
}

func (sf *stateFile) save(records map[string]RunnerRecord) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(sf.path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := sf.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, sf.path)
}

func recordOf(st RunnerStatus) RunnerRecord {
	rec := RunnerRecord{
		State:      st.State.String(),
		PID:        st.PID,
		Executable: st.Executable,
		Restarts:   st.Restarts,
		LastExit:   st.LastExit,
		SpecHash:   st.SpecHash,
	}
	if !st.StartedAt.IsZero() {
		rec.StartedAt = st.StartedAt.Unix()
	}
	return rec
}

// markDirty schedules a state file write without blocking.
func (d *Daemon) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

// persistLoop writes the state file whenever it has been marked dirty.
func (d *Daemon) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.dirty:
			d.persist()
		}
	}
}

func (d *Daemon) persist() {
	statuses := d.Statuses()
	records := make(map[string]RunnerRecord, len(statuses))
	for _, st := range statuses {
		records[st.Name] = recordOf(st)
	}
	if err := d.state.save(records); err != nil {
		d.logger.Warn("failed to write state file", "error", err)
	}
}
