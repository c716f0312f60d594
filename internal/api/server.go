package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/benaskins/warden/internal/audit"
	"github.com/benaskins/warden/internal/daemon"
	"github.com/benaskins/warden/internal/events"
	"github.com/benaskins/warden/internal/runner"
)

// defaultOutputLines is how many lines /output returns without ?lines=.
const defaultOutputLines = 50

// Server serves the warden REST API over a Unix socket.
type Server struct {
	daemon   *daemon.Daemon
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	audit    *audit.Logger
	ctx      context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithAudit records every stop, relaunch and reload request to l.
func WithAudit(l *audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// Output is the captured output of a runner.
type Output struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// NewServer creates an API server backed by the given daemon.
func NewServer(d *daemon.Daemon, ctx context.Context, opts ...Option) *Server {
	s := &Server{
		daemon: d,
		logger: slog.With("component", "api"),
		ctx:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runners", s.listRunners)
	mux.HandleFunc("GET /v1/runners/{name}", s.getRunner)
	mux.HandleFunc("GET /v1/runners/{name}/output", s.runnerOutput)
	mux.HandleFunc("POST /v1/runners/{name}/stop", s.stopRunner)
	mux.HandleFunc("POST /v1/runners/{name}/relaunch", s.relaunchRunner)
	mux.HandleFunc("POST /v1/reload", s.reload)
	mux.HandleFunc("GET /v1/events", s.streamEvents)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.Handle("GET /metrics", d.Metrics().Handler())

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the server's routes, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Statuses())
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.Status(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) runnerOutput(w http.ResponseWriter, r *http.Request) {
	n := defaultOutputLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid lines %q", v)})
			return
		}
		n = parsed
	}

	stdout, stderr, err := s.daemon.Output(r.PathValue("name"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Output{Stdout: nonNil(stdout), Stderr: nonNil(stderr)})
}

func (s *Server) stopRunner(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.daemon.StopRunner(name)
	s.record(r, audit.ActionStop, name, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) relaunchRunner(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.daemon.Relaunch(name)
	s.record(r, audit.ActionRelaunch, name, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relaunched"})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	result, err := s.daemon.Reload(s.ctx)
	detail := ""
	if result != nil {
		detail = result.String()
	}
	s.record(r, audit.ActionReload, "", detail, err)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// streamEvents relays state changes and evictions as server-sent events
// until the client goes away or the daemon shuts down.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ch := make(chan events.Event, 64)
	bus := s.daemon.Events()
	defer events.SubscribeChan[events.StateChanged](bus, ch)()
	defer events.SubscribeChan[events.Evicted](bus, ch)()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(ev), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) record(r *http.Request, action audit.Action, name, detail string, err error) {
	e := audit.Entry{
		Action: action,
		Runner: name,
		Actor:  "api",
		Remote: r.RemoteAddr,
		Detail: detail,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if err := s.audit.Log(e); err != nil {
		s.logger.Warn("audit log write failed", "error", err)
	}
}

func eventName(ev events.Event) string {
	switch ev.(type) {
	case events.StateChanged:
		return "state"
	case events.Evicted:
		return "evicted"
	}
	return "unknown"
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

// writeError maps daemon and runner errors onto HTTP statuses. Failures on
// the supervisor's side are 500s; anything else is the caller's problem.
func writeError(w http.ResponseWriter, err error) {
	var startErr *runner.StartupError
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, daemon.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runner.ErrNotTerminal):
		status = http.StatusConflict
	case errors.Is(err, daemon.ErrStopTimeout), errors.As(err, &startErr):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
