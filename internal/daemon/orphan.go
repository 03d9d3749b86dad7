package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const orphanPollInterval = 50 * time.Millisecond

// verifyProcess checks whether pid still belongs to the recorded process.
// A zero startTime skips the start-time check; an empty command skips the
// name check.
func verifyProcess(pid int, command string, startTime int64) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}

	if startTime != 0 {
		actual, err := processStartTime(pid)
		if err != nil || actual != startTime {
			return false
		}
	}

	if command == "" {
		return true
	}
	actual, err := processName(pid)
	if err != nil {
		return false
	}
	return actual == filepath.Base(command)
}

// reapOrphan terminates a server left running by a daemon that exited
// without stopping it. The process is not our child, so exit is detected
// by polling.
func (d *Daemon) reapOrphan(ctx context.Context) error {
	rec, err := d.state.load()
	if err != nil {
		d.logger.Warn("failed to load previous state", "error", err)
		return d.state.clear()
	}
	if rec == nil {
		return nil
	}

	if !verifyProcess(rec.PID, rec.Command, rec.StartTime) {
		d.logger.Debug("previous server no longer running", "pid", rec.PID)
		return d.state.clear()
	}

	timeout := d.cfg.StopTimeout.Duration
	d.logger.Warn("found server left running by a previous daemon; stopping it",
		"pid", rec.PID, "dir", rec.Dir, "timeout", timeout)

	if err := unix.Kill(-rec.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		d.logger.Warn("sending SIGTERM to orphan failed", "pid", rec.PID, "error", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(orphanPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !verifyProcess(rec.PID, rec.Command, rec.StartTime) {
				d.logger.Info("orphaned server exited", "pid", rec.PID)
				return d.state.clear()
			}
		case <-deadline.C:
			d.logger.Warn("orphaned server did not exit; killing", "pid", rec.PID)
			unix.Kill(-rec.PID, unix.SIGKILL)
			return d.state.clear()
		case <-ctx.Done():
			unix.Kill(-rec.PID, unix.SIGKILL)
			return ctx.Err()
		}
	}
}
