package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benaskins/mcadmin/internal/api"
	"github.com/benaskins/mcadmin/internal/audit"
	"github.com/benaskins/mcadmin/internal/config"
	"github.com/benaskins/mcadmin/internal/daemon"
	"github.com/benaskins/mcadmin/internal/logging"
	"github.com/benaskins/mcadmin/internal/metrics"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the mcadmin daemon",
	Long:  "Start the supervisor daemon. It owns the server directory and serves the control API.",
	RunE:  runDaemon,
}

var apiAddr string

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API, overrides api_addr (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	if apiAddr != "" {
		cfg.APIAddr = apiAddr
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("mcadmin daemon starting", "server_dir", cfg.ServerDir, "config", configPath)

	auditPath := cfg.AuditLog
	if auditPath == "" {
		auditPath = filepath.Join(config.Home(), "audit.log")
	}
	auditLog, err := audit.NewLogger(auditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	opts := []daemon.Option{
		daemon.WithConfigPath(configPath),
		daemon.WithAudit(auditLog),
	}
	if cfg.Metrics {
		opts = append(opts, daemon.WithMetrics(metrics.New()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	d := daemon.NewDaemon(cfg, opts...)
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	go func() {
		if err := d.StartWatcher(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	if err := daemon.RemoveStaleSocket(socketPath); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	srv := api.NewServer(d, ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	if cfg.APIAddr != "" {
		go func() {
			if err := srv.ListenTCP(cfg.APIAddr); err != nil {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	slog.Info("mcadmin daemon ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	// The server must not outlive the daemon.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), d.ShutdownTimeout())
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		slog.Error("stopping server", "error", err)
	}

	cancel()
	srv.Shutdown(context.Background())
	os.Remove(socketPath)

	slog.Info("mcadmin daemon stopped")
	return nil
}
