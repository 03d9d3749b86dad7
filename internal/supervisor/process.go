package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benaskins/mcadmin/internal/console"
)

// process is the handle for one spawned server. It never leaves the
// Supervisor.
type process struct {
	cmd       *exec.Cmd
	pid       int
	jar       string
	stdin     io.WriteCloser
	output    *os.File // read end of the shared stdout/stderr pipe
	capture   *console.Capture
	startedAt time.Time

	// bound is true while the Supervisor still holds this handle. The
	// capture goroutine checks it between reads.
	bound atomic.Bool

	// done is closed by the goroutine that reaps the child; exitCode is
	// written before the close.
	done     chan struct{}
	exitCode int

	// crashLogged is guarded by Supervisor.mu.
	crashLogged bool
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// commandArgs builds the JVM argument list: params..., -jar, jar, nogui.
func commandArgs(jvmParams, jar string) []string {
	args := strings.Fields(jvmParams)
	return append(args, "-jar", jar, "nogui")
}

// spawn starts the server with stdin piped and stdout/stderr sharing a
// single pipe so one capture goroutine drains both.
func spawn(java, dir, jar, jvmParams string) (*process, error) {
	cmd := exec.Command(java, commandArgs(jvmParams, jar)...)
	cmd.Dir = dir
	// Own process group so signals reach the JVM and anything it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting server process: %w", err)
	}
	// The child holds its own copy; the read end sees EOF once it exits.
	pw.Close()

	return &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		stdin:     stdin,
		output:    pr,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}, nil
}

// reap waits for the child and records its exit code. It must run in
// exactly one goroutine per process.
func (p *process) reap() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code
	close(p.done)
}
