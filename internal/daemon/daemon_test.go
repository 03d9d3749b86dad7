package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/benaskins/mcadmin/internal/audit"
	"github.com/benaskins/mcadmin/internal/config"
	"github.com/benaskins/mcadmin/internal/metrics"
	"github.com/benaskins/mcadmin/internal/resolver"
	"github.com/benaskins/mcadmin/internal/supervisor"
)

const fakeJava = `#!/bin/sh
while [ $# -gt 0 ] && [ "$1" != "-jar" ]; do shift; done
exec /bin/sh "$2"
`

const echoJar = `echo ready
while read line; do echo "got: $line"; done
`

type staticRepo struct {
	desc resolver.Descriptor
}

func (r staticRepo) LatestStable(ctx context.Context) (resolver.Descriptor, error) {
	return r.desc, nil
}

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	bin := t.TempDir()
	writeFile(t, bin, "java", fakeJava, 0755)
	return &config.Config{
		ServerDir:        t.TempDir(),
		Java:             filepath.Join(bin, "java"),
		StopTimeout:      config.Duration{Duration: 5 * time.Second},
		DownloadAttempts: 2,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func readAudit(t *testing.T, path string) []audit.Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	var entries []audit.Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e audit.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func waitForConsole(t *testing.T, sup *supervisor.Supervisor, substr string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		ch := sup.SubscribeConsole()
		for _, line := range sup.Console() {
			if strings.Contains(line, substr) {
				return
			}
		}
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %q; console: %v", substr, sup.Console())
		}
	}
}

func TestDaemonStartStopServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.JVMParams = "-Xmx1G"
	writeFile(t, cfg.ServerDir, "minecraft_server-1.12.2.jar", echoJar, 0644)

	stateDir := t.TempDir()
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	al, err := audit.NewLogger(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()

	d := NewDaemon(cfg, WithStateDir(stateDir), WithAudit(al), WithMetrics(metrics.New()))
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx)

	if d.Supervisor().IsRunning() {
		t.Fatal("server started without autostart")
	}

	if err := d.StartServer(ctx, supervisor.StartOptions{}, ActorAPI); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	waitForConsole(t, d.Supervisor(), "ready")

	rec, err := d.state.load()
	if err != nil || rec == nil {
		t.Fatalf("expected saved state, got %v, %v", rec, err)
	}
	if rec.PID != d.Supervisor().Status().PID {
		t.Errorf("state PID = %d, want %d", rec.PID, d.Supervisor().Status().PID)
	}
	if rec.JVMParams != "-Xmx1G" {
		t.Errorf("config JVM params not applied: %q", rec.JVMParams)
	}
	if rec.Jar != "minecraft_server-1.12.2.jar" {
		t.Errorf("state jar = %q, want the located jar", rec.Jar)
	}

	if err := d.StartServer(ctx, supervisor.StartOptions{}, ActorAPI); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := d.SendInput("list", ActorAPI); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	waitForConsole(t, d.Supervisor(), "got: list")

	if err := d.StopServer(ctx, ActorAPI); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if rec, _ := d.state.load(); rec != nil {
		t.Errorf("state not cleared after stop: %+v", rec)
	}
	if err := d.StopServer(ctx, ActorAPI); !errors.Is(err, supervisor.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}

	entries := readAudit(t, auditPath)
	var actions []audit.Action
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []audit.Action{
		audit.ActionServerStart,
		audit.ActionServerStart,
		audit.ActionConsoleInput,
		audit.ActionServerStop,
		audit.ActionServerStop,
	}
	if !slices.Equal(actions, want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	if entries[0].Jar != "minecraft_server-1.12.2.jar" || entries[0].PID != rec.PID {
		t.Errorf("start audit = jar %q pid %d, want the resolved jar and pid %d",
			entries[0].Jar, entries[0].PID, rec.PID)
	}
	if entries[1].Error == "" || entries[1].PID != 0 {
		t.Errorf("rejected start should carry its error and no pid: %+v", entries[1])
	}
	if entries[2].Input != "list" {
		t.Errorf("audit input = %q", entries[2].Input)
	}
	if entries[4].Error == "" {
		t.Error("failed stop not recorded with its error")
	}
	if entries[0].Dir != cfg.ServerDir {
		t.Errorf("audit dir = %q, want %q", entries[0].Dir, cfg.ServerDir)
	}
}

func TestDaemonAutostart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Autostart = true
	writeFile(t, cfg.ServerDir, "minecraft_server-1.12.2.jar", echoJar, 0644)

	d := NewDaemon(cfg, WithStateDir(t.TempDir()))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !d.Supervisor().IsRunning() {
		t.Fatal("expected autostart to start the server")
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d.Supervisor().IsRunning() {
		t.Error("server still running after daemon stop")
	}
}

func TestDaemonRejectsSecondOwner(t *testing.T) {
	cfg := testConfig(t)

	first := NewDaemon(cfg, WithStateDir(t.TempDir()))
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop(context.Background())

	second := NewDaemon(cfg, WithStateDir(t.TempDir()))
	if err := second.Start(context.Background()); !errors.Is(err, supervisor.ErrDirLocked) {
		t.Fatalf("expected ErrDirLocked, got %v", err)
	}
}

func TestDaemonFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, echoJar)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	al, err := audit.NewLogger(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()

	repo := staticRepo{desc: resolver.Descriptor{
		Version:  "1.12.2",
		Filename: "minecraft_server-1.12.2.jar",
		URL:      srv.URL + "/server.jar",
	}}
	d := NewDaemon(cfg, WithStateDir(t.TempDir()), WithRepository(repo), WithAudit(al))

	jar, downloaded, err := d.Fetch(context.Background(), ActorAPI)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if jar != "minecraft_server-1.12.2.jar" || !downloaded {
		t.Errorf("Fetch = %q, %v", jar, downloaded)
	}
	if _, err := os.Stat(filepath.Join(cfg.ServerDir, jar)); err != nil {
		t.Errorf("jar not written: %v", err)
	}

	jar, downloaded, err = d.Fetch(context.Background(), ActorAPI)
	if err != nil || downloaded || jar != "minecraft_server-1.12.2.jar" {
		t.Errorf("second Fetch = %q, %v, %v; want existing jar", jar, downloaded, err)
	}

	entries := readAudit(t, auditPath)
	if len(entries) != 1 || entries[0].Action != audit.ActionServerDownload {
		t.Errorf("expected one download audit entry, got %+v", entries)
	}
}

func writeConfig(t *testing.T, path string, cfg *config.Config, extra string) {
	t.Helper()
	content := fmt.Sprintf("server_dir: %s\njava: %s\nstop_timeout: %s\n%s",
		cfg.ServerDir, cfg.Java, cfg.StopTimeout.Duration, extra)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDaemonReload(t *testing.T) {
	base := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, base, "jvm_params: -Xmx1G\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDaemon(cfg, WithConfigPath(path), WithStateDir(t.TempDir()))

	// Unchanged file reports nothing.
	result, err := d.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(result.Applied) != 0 || len(result.Deferred) != 0 {
		t.Errorf("expected no changes, got %+v", result)
	}

	base.StopTimeout.Duration = time.Minute
	writeConfig(t, path, base, "jvm_params: -Xmx4G\njar: custom.jar\n")

	result, err = d.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Equal(result.Applied, []string{"jar", "jvm_params"}) {
		t.Errorf("applied = %v", result.Applied)
	}
	if !slices.Equal(result.Deferred, []string{"stop_timeout"}) {
		t.Errorf("deferred = %v", result.Deferred)
	}

	active := d.Config()
	if active.JVMParams != "-Xmx4G" || active.Jar != "custom.jar" {
		t.Errorf("start options not applied: %+v", active)
	}
	if active.StopTimeout.Duration != 5*time.Second {
		t.Errorf("deferred field changed in active config: %v", active.StopTimeout.Duration)
	}
}

func TestDaemonReloadInvalidKeepsConfig(t *testing.T) {
	base := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, base, "jvm_params: -Xmx1G\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDaemon(cfg, WithConfigPath(path), WithStateDir(t.TempDir()))

	writeConfig(t, path, base, "jvm_params: -Xmx2G\nlog_format: xml\n")
	if _, err := d.Reload(context.Background()); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if got := d.Config().JVMParams; got != "-Xmx1G" {
		t.Errorf("config changed by failed reload: %q", got)
	}
}

func TestDaemonWatcherReloads(t *testing.T) {
	base := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, base, "jvm_params: -Xmx1G\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDaemon(cfg, WithConfigPath(path), WithStateDir(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.StartWatcher(ctx)

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, base, "jvm_params: -Xmx3G\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.Config().JVMParams == "-Xmx3G" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("watcher did not reload; jvm_params = %q", d.Config().JVMParams)
}

func TestDaemonReapsOrphan(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting process: %v", err)
	}
	defer cmd.Process.Kill()

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	pid := cmd.Process.Pid
	startTime, err := processStartTime(pid)
	if err != nil {
		t.Fatalf("processStartTime: %v", err)
	}

	cfg := testConfig(t)
	stateDir := t.TempDir()
	d := NewDaemon(cfg, WithStateDir(stateDir))
	if err := d.state.save(RunRecord{PID: pid, Dir: cfg.ServerDir, Command: "sleep", StartTime: startTime}); err != nil {
		t.Fatal(err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned process was not stopped")
	}
	if rec, _ := d.state.load(); rec != nil {
		t.Errorf("state not cleared: %+v", rec)
	}
}

func TestDaemonIgnoresReusedPID(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting process: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	cfg := testConfig(t)
	d := NewDaemon(cfg, WithStateDir(t.TempDir()))
	// Same PID, different command: not our server.
	if err := d.state.save(RunRecord{PID: cmd.Process.Pid, Command: "java"}); err != nil {
		t.Fatal(err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())

	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		t.Errorf("unrelated process was signalled: %v", err)
	}
}
