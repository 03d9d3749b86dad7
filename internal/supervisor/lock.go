package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockFile is the name of the lock file held in the server directory while
// a Supervisor governs it.
const LockFile = ".mcadmin.lock"

// ErrDirLocked means another supervisor already governs the server directory.
var ErrDirLocked = errors.New("server directory is governed by another supervisor")

// LockRecord is written to the lock file so operators can tell which
// process holds it.
type LockRecord struct {
	PID      int   `json:"pid"`
	LockedAt int64 `json:"locked_at"` // Unix timestamp
}

// dirLock is an exclusive flock on the server directory's lock file.
type dirLock struct {
	path string
	file *os.File
}

func lockDir(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating server dir: %w", err)
	}

	path := filepath.Join(dir, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			holder := "unknown"
			if rec, err := ReadLock(dir); err == nil && rec.PID > 0 {
				holder = fmt.Sprintf("pid %d", rec.PID)
			}
			return nil, fmt.Errorf("%w (%s): %s", ErrDirLocked, holder, dir)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	data, err := json.Marshal(LockRecord{PID: os.Getpid(), LockedAt: time.Now().Unix()})
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return &dirLock{path: path, file: f}, nil
}

// release unlocks and removes the lock file.
func (l *dirLock) release() error {
	// Remove before unlocking so a waiting supervisor never locks a file
	// that is about to disappear.
	os.Remove(l.path)
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return l.file.Close()
}

// ReadLock returns the record in dir's lock file.
func ReadLock(dir string) (LockRecord, error) {
	var rec LockRecord
	data, err := os.ReadFile(filepath.Join(dir, LockFile))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parsing lock file: %w", err)
	}
	return rec, nil
}
