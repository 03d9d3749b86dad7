// Package supervisor owns the lifecycle of one Minecraft server process.
//
// A Supervisor resolves the server jar, spawns the JVM with piped stdio,
// captures its console into a bounded ring, forwards operator input, and
// stops it with SIGTERM followed by SIGKILL after a timeout.
//
// The process handle is guarded by a mutex that is only held for short,
// non-blocking sections. Network downloads, the graceful-stop wait and the
// console capture join all happen with the mutex released; the starting and
// stopping flags keep concurrent callers from observing a half-made
// transition.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/mcadmin/internal/console"
	"github.com/benaskins/mcadmin/internal/notify"
	"github.com/benaskins/mcadmin/internal/resolver"
)

const (
	// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopTimeout = 30 * time.Second

	// defaultJoinTimeout bounds the wait for the capture goroutine once the
	// server has exited.
	defaultJoinTimeout = 5 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Start when a server is running.
	ErrAlreadyRunning = errors.New("server is already running")

	// ErrNotRunning is returned by Stop and InputLine when no server is running.
	ErrNotRunning = errors.New("server is not running")

	// ErrExecutableNotFound means an explicitly named jar does not exist.
	ErrExecutableNotFound = errors.New("server executable not found")

	// ErrNotOpen is returned by Start before Open has taken the directory lock.
	ErrNotOpen = errors.New("server directory is not open")
)

// State is the lifecycle state reported by Status.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateCrashed State = "crashed"
)

// Status is a point-in-time view of the server.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Jar       string    `json:"jar,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Running reports whether the status describes a live server.
func (s Status) Running() bool {
	return s.State == StateRunning
}

// Resolver finds or fetches the server jar.
type Resolver interface {
	Locate() (string, error)
	Acquire(ctx context.Context) (string, error)
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	ServerStarted()
	ServerStopped()
	ServerCrashed(exitCode int)
	ForceKilled()
	ConsoleLine()
}

type nopObserver struct{}

func (nopObserver) ServerStarted()    {}
func (nopObserver) ServerStopped()    {}
func (nopObserver) ServerCrashed(int) {}
func (nopObserver) ForceKilled()      {}
func (nopObserver) ConsoleLine()      {}

// Config holds the settings for a Supervisor.
type Config struct {
	Dir          string        // server directory; the working directory of the JVM
	Java         string        // JVM binary, "java" if empty
	Resolver     Resolver      // defaults to a resolver over Dir with no repository
	StopTimeout  time.Duration // graceful stop timeout, DefaultStopTimeout if zero
	ConsoleLines int           // console ring capacity, console.DefaultCapacity if zero
	Observer     Observer
	Logger       *slog.Logger
}

// StartOptions selects the jar and JVM parameters for one run.
type StartOptions struct {
	Jar       string // filename inside the server directory; resolved if empty
	JVMParams string // whitespace-separated JVM arguments
}

// Supervisor manages a single server process.
type Supervisor struct {
	dir         string
	java        string
	resolver    Resolver
	stopTimeout time.Duration
	joinTimeout time.Duration
	observer    Observer
	logger      *slog.Logger

	// signal delivers sig to the process group led by pid.
	signal func(pid int, sig unix.Signal) error

	mu       sync.Mutex
	proc     *process
	starting bool
	stopping bool
	lock     *dirLock

	inputMu sync.Mutex

	console        *console.Ring
	statusChanged  notify.Signal
	consoleUpdated notify.Signal
}

// New creates a Supervisor. Call Open before Start to take ownership of the
// server directory.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		dir:         cfg.Dir,
		java:        cfg.Java,
		resolver:    cfg.Resolver,
		stopTimeout: cfg.StopTimeout,
		joinTimeout: defaultJoinTimeout,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		signal:      signalGroup,
		console:     console.NewRing(cfg.ConsoleLines),
	}
	if s.java == "" {
		s.java = "java"
	}
	if s.resolver == nil {
		s.resolver = resolver.New(cfg.Dir, nil)
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.With("component", "supervisor")
	}
	return s
}

func signalGroup(pid int, sig unix.Signal) error {
	return unix.Kill(-pid, sig)
}

// Dir returns the server directory.
func (s *Supervisor) Dir() string {
	return s.dir
}

// Open takes the exclusive lock on the server directory, creating the
// directory if needed.
func (s *Supervisor) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil
	}
	l, err := lockDir(s.dir)
	if err != nil {
		return err
	}
	s.lock = l
	s.logger.Info("governing server directory", "dir", s.dir)
	return nil
}

// Close releases the server directory lock. It does not stop the server;
// use Shutdown for that.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	l := s.lock
	s.lock = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.release()
}

// IsRunning reports whether a server process exists and has not exited.
// A handle whose process already exited means the server crashed; that is
// logged once and reported as not running. The handle is left in place.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Supervisor) runningLocked() bool {
	p := s.proc
	if p == nil {
		return false
	}
	if !p.exited() {
		return true
	}
	if !s.stopping {
		s.noteCrashLocked(p)
	}
	return false
}

// noteCrashLocked records an unexpected exit of p and wakes status
// subscribers. Each handle is reported once, by whichever path sees the
// exit first.
func (s *Supervisor) noteCrashLocked(p *process) {
	if p.crashLogged {
		return
	}
	p.crashLogged = true
	s.logger.Warn("server may have crashed: process handle exists but the process ended",
		"pid", p.pid, "exit_code", p.exitCode)
	s.observer.ServerCrashed(p.exitCode)
	s.statusChanged.Broadcast()
}

// Status returns the current server state without side effects.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.proc
	if p == nil {
		return Status{State: StateStopped}
	}
	st := Status{PID: p.pid, Jar: p.jar, StartedAt: p.startedAt}
	switch {
	case !p.exited():
		st.State = StateRunning
	case s.stopping:
		st.State = StateStopped
		st.ExitCode = p.exitCode
	default:
		st.State = StateCrashed
		st.ExitCode = p.exitCode
	}
	return st
}

// Start launches the server. If opts.Jar is empty the jar is located in the
// server directory, or downloaded when none is present.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	if s.lock == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.starting || s.stopping || s.runningLocked() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting = true
	stale := s.proc
	s.proc = nil
	s.mu.Unlock()

	if stale != nil {
		s.release(stale)
	}

	p, err := s.launch(ctx, opts)

	// The handle is published and announced in one critical section so a
	// Stop or an exit notice cannot be observed before the start.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if err != nil {
		return err
	}
	p.bound.Store(true)
	s.proc = p
	p.capture.Start()
	go s.watch(p)

	s.logger.Info("server started", "pid", p.pid, "jar", p.jar)
	s.observer.ServerStarted()
	s.statusChanged.Broadcast()
	return nil
}

func (s *Supervisor) launch(ctx context.Context, opts StartOptions) (*process, error) {
	jar, err := s.resolveJar(ctx, opts.Jar)
	if err != nil {
		return nil, err
	}

	if err := writeEULA(s.dir); err != nil {
		return nil, fmt.Errorf("writing %s: %w", EULAFile, err)
	}

	s.logger.Info("starting server", "jar", jar, "jvm_params", opts.JVMParams, "dir", s.dir)
	p, err := spawn(s.java, s.dir, jar, opts.JVMParams)
	if err != nil {
		return nil, err
	}
	p.jar = jar
	p.capture = console.NewCapture(p.output, s.console, s.onConsoleLine, p.bound.Load)
	go p.reap()
	return p, nil
}

func (s *Supervisor) resolveJar(ctx context.Context, jar string) (string, error) {
	if jar != "" {
		path := filepath.Join(s.dir, jar)
		if _, err := os.Stat(path); err != nil {
			abs, _ := filepath.Abs(path)
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, abs)
		}
		return jar, nil
	}

	jar, err := s.resolver.Locate()
	if errors.Is(err, resolver.ErrNotFound) {
		s.logger.Warn("no server executable found; downloading latest release")
		return s.resolver.Acquire(ctx)
	}
	return jar, err
}

func (s *Supervisor) onConsoleLine(string) {
	s.observer.ConsoleLine()
	s.consoleUpdated.Broadcast()
}

// watch records a crash as soon as the server exits on its own and wakes
// status subscribers. Exits caused by Stop are announced by Stop.
func (s *Supervisor) watch(p *process) {
	<-p.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p && !s.stopping {
		s.noteCrashLocked(p)
	}
}

// Stop shuts the server down: SIGTERM, wait up to the stop timeout, then
// SIGKILL. It returns once the process has exited and its console has been
// drained. Cancelling ctx skips the rest of the graceful wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.starting || s.stopping || !s.runningLocked() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	p := s.proc
	s.stopping = true
	s.mu.Unlock()

	// The server may have died since the check above, while watch saw
	// stopping set.
	if p.exited() {
		s.mu.Lock()
		s.stopping = false
		s.noteCrashLocked(p)
		s.mu.Unlock()
		return ErrNotRunning
	}

	s.logger.Info("waiting for server to shut down", "timeout", s.stopTimeout)
	if err := s.signal(p.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("sending SIGTERM failed", "pid", p.pid, "error", err)
	}

	var stopErr error
	timer := time.NewTimer(s.stopTimeout)
	select {
	case <-p.done:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("server did not exit after SIGTERM; killing", "timeout", s.stopTimeout)
		s.kill(p)
	case <-ctx.Done():
		timer.Stop()
		s.logger.Warn("stop cancelled; killing server", "error", ctx.Err())
		stopErr = ctx.Err()
		s.kill(p)
	}
	<-p.done
	s.logger.Info("server process closed", "exit_code", p.exitCode)

	s.release(p)

	s.mu.Lock()
	s.proc = nil
	s.stopping = false
	s.mu.Unlock()

	s.observer.ServerStopped()
	s.statusChanged.Broadcast()
	return stopErr
}

func (s *Supervisor) kill(p *process) {
	if p.exited() {
		return
	}
	if err := s.signal(p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Error("sending SIGKILL failed", "pid", p.pid, "error", err)
	}
	s.observer.ForceKilled()
}

// release joins the capture goroutine of an exited process and closes its
// pipes. If a grandchild still holds the output pipe open, the read end is
// closed to unblock the capture.
func (s *Supervisor) release(p *process) {
	s.logger.Debug("waiting for console capture to finish")
	if err := p.capture.Wait(s.joinTimeout); err != nil {
		s.logger.Warn("console capture still reading; closing output pipe", "timeout", s.joinTimeout)
		p.output.Close()
		<-p.capture.Done()
	}
	p.bound.Store(false)
	p.output.Close()
	p.stdin.Close()
	s.logger.Debug("console capture done")
}

// InputLine writes text to the server's console input. A trailing newline
// is added if missing so the server executes the line.
func (s *Supervisor) InputLine(text string) error {
	s.mu.Lock()
	if !s.runningLocked() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	p := s.proc
	s.mu.Unlock()

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if _, err := io.WriteString(p.stdin, text); err != nil {
		return fmt.Errorf("writing to server console: %w", err)
	}
	return nil
}

// Console returns the most recent console lines, oldest first.
func (s *Supervisor) Console() []string {
	return s.console.Lines()
}

// ConsoleSince returns the console lines captured after seq and the sequence
// number that follows them. Pass 0 to get everything still buffered.
func (s *Supervisor) ConsoleSince(seq uint64) ([]string, uint64) {
	return s.console.Since(seq)
}

// ConsoleLast returns the last n console lines and the sequence number that
// follows them. A non-positive n returns everything still buffered.
func (s *Supervisor) ConsoleLast(n int) ([]string, uint64) {
	return s.console.Last(n)
}

// SubscribeStatus returns a channel closed on the next status change.
func (s *Supervisor) SubscribeStatus() <-chan struct{} {
	return s.statusChanged.Subscribe()
}

// SubscribeConsole returns a channel closed when the next console line
// arrives.
func (s *Supervisor) SubscribeConsole() <-chan struct{} {
	return s.consoleUpdated.Subscribe()
}

// Shutdown is called by the host during its own teardown. It stops a
// running server so no orphaned JVM is left behind, releases the pipes of a
// crashed one, then releases the directory lock.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var stopErr error
	if s.IsRunning() {
		s.logger.Info("host is exiting; stopping server")
		if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			stopErr = err
		}
	}

	s.mu.Lock()
	var crashed *process
	if p := s.proc; p != nil && !s.starting && !s.stopping && p.exited() {
		crashed = p
		s.proc = nil
	}
	s.mu.Unlock()
	if crashed != nil {
		s.release(crashed)
	}

	return errors.Join(stopErr, s.Close())
}
