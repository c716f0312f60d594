// Package logging configures the process-wide slog handler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options selects the handler chain built by Setup.
type Options struct {
	Level   string // debug | info | warn | error
	Format  string // text | json
	Journal bool   // also send records to the systemd journal when reachable
}

// Setup builds a logger for opts writing to w, installs it as the slog
// default, and returns it along with the level variable so the level can be
// changed at runtime.
func Setup(w io.Writer, opts Options) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	lv, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	level.Set(lv)

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Journal && JournalAvailable() {
		h = Fanout(h, NewJournalHandler("warden", level))
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, level, nil
}

// ParseLevel maps a level name onto a slog.Level. An empty name is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// multi sends each record to every handler that accepts it.
type multi []slog.Handler

// Fanout returns a handler that delivers records to all of hs.
func Fanout(hs ...slog.Handler) slog.Handler {
	return multi(hs)
}

func (m multi) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multi) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multi, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multi) WithGroup(name string) slog.Handler {
	out := make(multi, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
