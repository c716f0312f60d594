// Package audit provides append-only structured logging for operator actions.
//
// Every action that changes what the supervisor runs (stop, relaunch, reload)
// is recorded to an audit log at ~/.warden/audit.log as newline-delimited
// JSON, whether it came from the API or from the spec directory watcher.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionStop     Action = "runner_stop"
	ActionRelaunch Action = "runner_relaunch"
	ActionReload   Action = "specs_reload"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Runner    string    `json:"runner,omitempty"`
	Actor     string    `json:"actor,omitempty"`  // "api", "watcher"
	Remote    string    `json:"remote,omitempty"` // API peer, if known
	Detail    string    `json:"detail,omitempty"` // e.g. reload summary
	Error     string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file. A nil *Logger
// discards everything.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string { return l.path }

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Record logs action against runner, noting err if the action failed.
func (l *Logger) Record(action Action, runner, actor string, err error) error {
	e := Entry{Action: action, Runner: runner, Actor: actor}
	if err != nil {
		e.Error = err.Error()
	}
	return l.Log(e)
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}
