package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benaskins/mcadmin/internal/audit"
	"github.com/benaskins/mcadmin/internal/config"
	"github.com/benaskins/mcadmin/internal/manifest"
	"github.com/benaskins/mcadmin/internal/metrics"
	"github.com/benaskins/mcadmin/internal/resolver"
	"github.com/benaskins/mcadmin/internal/supervisor"
)

// Actors recorded in the audit log.
const (
	ActorAPI    = "api"
	ActorDaemon = "daemon"
)

// Daemon hosts one server supervisor and applies the persistent config to it.
type Daemon struct {
	cfgPath  string
	stateDir string
	repo     resolver.Repository
	audit    *audit.Logger
	metrics  *metrics.Collector
	sup      *supervisor.Supervisor
	resolver *resolver.Resolver
	state    *stateFile
	mu       sync.RWMutex
	cfg      *config.Config
	logger   *slog.Logger
}

// Option configures the daemon.
type Option func(*Daemon)

// WithConfigPath records where cfg was loaded from so Reload and the
// watcher can re-read it.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.cfgPath = path
	}
}

// WithStateDir sets the directory for the daemon state file.
func WithStateDir(dir string) Option {
	return func(d *Daemon) {
		d.stateDir = dir
	}
}

// WithAudit records operator actions to l.
func WithAudit(l *audit.Logger) Option {
	return func(d *Daemon) {
		d.audit = l
	}
}

// WithMetrics reports lifecycle and download events to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Daemon) {
		d.metrics = c
	}
}

// WithRepository overrides the release repository used to download the
// server jar. The default reads the manifest at cfg.ManifestURL.
func WithRepository(r resolver.Repository) Option {
	return func(d *Daemon) {
		d.repo = r
	}
}

// NewDaemon creates a daemon for the server described by cfg.
func NewDaemon(cfg *config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		logger: slog.With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.stateDir == "" {
		d.stateDir = config.Home()
	}
	d.state = newStateFile(d.stateDir)

	if d.repo == nil {
		d.repo = manifest.NewClient(cfg.ManifestURL, nil)
	}

	resOpts := []resolver.Option{
		resolver.WithAttempts(cfg.DownloadAttempts),
		resolver.WithLogger(slog.With("component", "resolver")),
	}
	supCfg := supervisor.Config{
		Dir:          cfg.ServerDir,
		Java:         cfg.Java,
		StopTimeout:  cfg.StopTimeout.Duration,
		ConsoleLines: cfg.ConsoleLines,
	}
	if d.metrics != nil {
		resOpts = append(resOpts, resolver.WithRecorder(d.metrics))
		supCfg.Observer = d.metrics
	}
	d.resolver = resolver.New(cfg.ServerDir, d.repo, resOpts...)
	supCfg.Resolver = d.resolver
	d.sup = supervisor.New(supCfg)
	return d
}

// Supervisor returns the server supervisor.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.sup
}

// Config returns a copy of the active config.
func (d *Daemon) Config() config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return *d.cfg
}

// Metrics returns the metrics collector, or nil if metrics are disabled.
func (d *Daemon) Metrics() *metrics.Collector {
	return d.metrics
}

// Start takes ownership of the server directory, stops any server orphaned
// by a previous daemon, and starts the server if autostart is set.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.reapOrphan(ctx); err != nil {
		return fmt.Errorf("stopping orphaned server: %w", err)
	}

	if err := d.sup.Open(); err != nil {
		return err
	}

	d.mu.RLock()
	autostart := d.cfg.Autostart
	d.mu.RUnlock()

	if autostart {
		d.logger.Info("autostart enabled; starting server")
		if err := d.StartServer(ctx, supervisor.StartOptions{}, ActorDaemon); err != nil {
			d.logger.Error("autostart failed", "error", err)
		}
	}
	return nil
}

// Stop stops a running server and releases the server directory.
func (d *Daemon) Stop(ctx context.Context) error {
	wasRunning := d.sup.IsRunning()
	err := d.sup.Shutdown(ctx)
	if wasRunning {
		d.record(audit.Entry{Action: audit.ActionServerStop, Actor: ActorDaemon}, err)
	}
	if cerr := d.state.clear(); cerr != nil {
		d.logger.Warn("failed to clear state on shutdown", "error", cerr)
	}
	d.logger.Info("daemon stopped")
	return err
}

// StartServer starts the server, filling empty options from the config.
func (d *Daemon) StartServer(ctx context.Context, opts supervisor.StartOptions, actor string) error {
	d.mu.RLock()
	if opts.Jar == "" {
		opts.Jar = d.cfg.Jar
	}
	if opts.JVMParams == "" {
		opts.JVMParams = d.cfg.JVMParams
	}
	java := d.cfg.Java
	d.mu.RUnlock()

	entry := audit.Entry{Action: audit.ActionServerStart, Actor: actor, Jar: opts.Jar}
	if err := d.sup.Start(ctx, opts); err != nil {
		d.record(entry, err)
		return err
	}
	st := d.sup.Status()
	entry.Jar = st.Jar
	entry.PID = st.PID
	d.record(entry, nil)

	rec := RunRecord{
		PID:       st.PID,
		Dir:       d.sup.Dir(),
		Jar:       st.Jar,
		JVMParams: opts.JVMParams,
		Command:   java,
		StartedAt: st.StartedAt.Unix(),
	}
	if t, err := processStartTime(st.PID); err == nil {
		rec.StartTime = t
	}
	if err := d.state.save(rec); err != nil {
		d.logger.Warn("failed to save state", "error", err)
	}
	return nil
}

// StopServer stops the server.
func (d *Daemon) StopServer(ctx context.Context, actor string) error {
	pid := d.sup.Status().PID
	err := d.sup.Stop(ctx)
	d.record(audit.Entry{Action: audit.ActionServerStop, Actor: actor, PID: pid}, err)
	if errors.Is(err, supervisor.ErrNotRunning) {
		return err
	}
	if cerr := d.state.clear(); cerr != nil {
		d.logger.Warn("failed to clear state", "error", cerr)
	}
	return err
}

// SendInput writes one console command to the server.
func (d *Daemon) SendInput(text, actor string) error {
	err := d.sup.InputLine(text)
	d.record(audit.Entry{Action: audit.ActionConsoleInput, Actor: actor, Input: text}, err)
	return err
}

// Fetch ensures a server jar is present in the server directory, downloading
// the latest stable release when there is none. It returns the jar filename
// and whether it was downloaded.
func (d *Daemon) Fetch(ctx context.Context, actor string) (string, bool, error) {
	jar, err := d.resolver.Locate()
	if err == nil {
		return jar, false, nil
	}
	if !errors.Is(err, resolver.ErrNotFound) {
		return "", false, err
	}

	jar, err = d.resolver.Acquire(ctx)
	d.record(audit.Entry{Action: audit.ActionServerDownload, Actor: actor, Jar: jar}, err)
	if err != nil {
		return "", false, err
	}
	return jar, true, nil
}

// ReloadResult lists the config fields that changed on reload.
type ReloadResult struct {
	Applied  []string `json:"applied,omitempty"`  // used by the next start
	Deferred []string `json:"deferred,omitempty"` // need a daemon restart
}

// Reload re-reads the config file. Start options apply to the next server
// start; fields that shape the supervisor itself are reported as deferred.
func (d *Daemon) Reload(_ context.Context) (*ReloadResult, error) {
	if d.cfgPath == "" {
		return nil, errors.New("daemon has no config file to reload")
	}
	next, err := config.Load(d.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.cfg
	result := &ReloadResult{}

	if next.Jar != prev.Jar {
		result.Applied = append(result.Applied, "jar")
	}
	if next.JVMParams != prev.JVMParams {
		result.Applied = append(result.Applied, "jvm_params")
	}
	if next.Autostart != prev.Autostart {
		result.Applied = append(result.Applied, "autostart")
	}

	deferred := []struct {
		name    string
		changed bool
	}{
		{"server_dir", next.ServerDir != prev.ServerDir},
		{"java", next.Java != prev.Java},
		{"stop_timeout", next.StopTimeout != prev.StopTimeout},
		{"console_lines", next.ConsoleLines != prev.ConsoleLines},
		{"manifest_url", next.ManifestURL != prev.ManifestURL},
		{"download_attempts", next.DownloadAttempts != prev.DownloadAttempts},
		{"api_addr", next.APIAddr != prev.APIAddr},
		{"metrics", next.Metrics != prev.Metrics},
		{"log_level", next.LogLevel != prev.LogLevel},
		{"log_format", next.LogFormat != prev.LogFormat},
		{"log_file", next.LogFile != prev.LogFile},
		{"audit_log", next.AuditLog != prev.AuditLog},
	}
	for _, f := range deferred {
		if f.changed {
			result.Deferred = append(result.Deferred, f.name)
		}
	}

	// Deferred fields keep their running values so Config reflects what is
	// actually in effect.
	applied := *prev
	applied.Jar = next.Jar
	applied.JVMParams = next.JVMParams
	applied.Autostart = next.Autostart
	d.cfg = &applied

	return result, nil
}

func (d *Daemon) record(e audit.Entry, err error) {
	if d.audit == nil {
		return
	}
	e.Dir = d.sup.Dir()
	if err != nil {
		e.Error = err.Error()
	}
	if lerr := d.audit.Log(e); lerr != nil {
		d.logger.Warn("failed to write audit entry", "action", e.Action, "error", lerr)
	}
}

// SocketPath returns the default control socket path: ~/.mcadmin/mcadmin.sock.
func SocketPath() string {
	return filepath.Join(config.Home(), "mcadmin.sock")
}

// RemoveStaleSocket removes a socket file left behind by a daemon that did
// not shut down cleanly.
func RemoveStaleSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ShutdownTimeout returns how long the host should allow Stop to take: the
// server's stop timeout plus a margin for the console join.
func (d *Daemon) ShutdownTimeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.StopTimeout.Duration + 10*time.Second
}
