package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benaskins/mcadmin/internal/daemon"
	"github.com/benaskins/mcadmin/internal/notify"
	"github.com/benaskins/mcadmin/internal/resolver"
	"github.com/benaskins/mcadmin/internal/supervisor"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// StartRequest is the body of POST /v1/start. Empty fields use the config.
type StartRequest struct {
	Jar       string `json:"jar,omitempty"`
	JVMParams string `json:"jvm_params,omitempty"`
}

// InputRequest is the body of POST /v1/input.
type InputRequest struct {
	Text string `json:"text"`
}

// ConsoleResponse carries console lines and the sequence number to pass as
// "since" on the next request.
type ConsoleResponse struct {
	Lines []string `json:"lines"`
	Next  uint64   `json:"next"`
}

// WaitResponse is returned by the long-poll endpoints.
type WaitResponse struct {
	Changed bool              `json:"changed"`
	Status  supervisor.Status `json:"status"`
}

// FetchResponse is returned by POST /v1/fetch.
type FetchResponse struct {
	Jar        string `json:"jar"`
	Downloaded bool   `json:"downloaded"`
}

// Server serves the mcadmin REST API over a Unix socket.
type Server struct {
	daemon *daemon.Daemon
	server *http.Server
	logger *slog.Logger
	ctx    context.Context
}

// NewServer creates an API server backed by the given daemon. Server
// operations run under ctx so they outlive the requests that trigger them.
func NewServer(d *daemon.Daemon, ctx context.Context) *Server {
	s := &Server{
		daemon: d,
		logger: slog.With("component", "api"),
		ctx:    ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("GET /v1/status/wait", s.waitStatus)
	mux.HandleFunc("POST /v1/start", s.start)
	mux.HandleFunc("POST /v1/stop", s.stop)
	mux.HandleFunc("POST /v1/input", s.input)
	mux.HandleFunc("GET /v1/console", s.console)
	mux.HandleFunc("GET /v1/console/wait", s.waitConsole)
	mux.HandleFunc("POST /v1/fetch", s.fetch)
	mux.HandleFunc("POST /v1/reload", s.reload)
	mux.HandleFunc("GET /v1/health", s.health)
	if m := d.Metrics(); m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.server = &http.Server{Handler: mux}
	return s
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Supervisor().Status())
}

// waitStatus blocks until the status changes. If the caller passes the
// state it last saw and the server has already moved on, it returns at once.
func (s *Server) waitStatus(w http.ResponseWriter, r *http.Request) {
	timeout, err := waitTimeout(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sup := s.daemon.Supervisor()

	ch := sup.SubscribeStatus()
	if known := r.URL.Query().Get("state"); known != "" {
		if st := sup.Status(); string(st.State) != known {
			writeJSON(w, http.StatusOK, WaitResponse{Changed: true, Status: st})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	changed := notify.Wait(ctx, ch) == nil
	writeJSON(w, http.StatusOK, WaitResponse{Changed: changed, Status: sup.Status()})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := supervisor.StartOptions{Jar: req.Jar, JVMParams: req.JVMParams}
	if err := s.daemon.StartServer(s.ctx, opts, daemon.ActorAPI); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Supervisor().Status())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.StopServer(s.ctx, daemon.ActorAPI); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Supervisor().Status())
}

func (s *Server) input(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if err := s.daemon.SendInput(req.Text, daemon.ActorAPI); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// console returns buffered console lines: those after "since", or the last
// "lines" of them.
func (s *Server) console(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := linesParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if n > 0 && since > 0 {
		writeError(w, http.StatusBadRequest, errors.New("since and lines cannot be combined"))
		return
	}

	var lines []string
	var next uint64
	if n > 0 {
		lines, next = s.daemon.Supervisor().ConsoleLast(n)
	} else {
		lines, next = s.daemon.Supervisor().ConsoleSince(since)
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, ConsoleResponse{Lines: lines, Next: next})
}

// waitConsole blocks until lines after "since" exist or the timeout passes.
func (s *Server) waitConsole(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout, err := waitTimeout(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sup := s.daemon.Supervisor()

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	for {
		ch := sup.SubscribeConsole()
		lines, next := sup.ConsoleSince(since)
		if len(lines) > 0 {
			writeJSON(w, http.StatusOK, ConsoleResponse{Lines: lines, Next: next})
			return
		}
		if err := notify.Wait(ctx, ch); err != nil {
			writeJSON(w, http.StatusOK, ConsoleResponse{Lines: []string{}, Next: next})
			return
		}
	}
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	jar, downloaded, err := s.daemon.Fetch(s.ctx, daemon.ActorAPI)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, FetchResponse{Jar: jar, Downloaded: downloaded})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	result, err := s.daemon.Reload(s.ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorStatus maps supervisor and resolver errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, resolver.ErrTooManyMatches):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrExecutableNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrDownloadFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func waitTimeout(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return defaultWaitTimeout, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return min(d, maxWaitTimeout), nil
}

func sinceParam(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func linesParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("lines")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("lines must be positive")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
