package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// stateFile persists the running server's identity so a restarted daemon
// can find a JVM orphaned by an earlier crash.
type stateFile struct {
	path string
	mu   sync.Mutex
}

// RunRecord is the persisted state of a running server.
type RunRecord struct {
	PID       int    `json:"pid"`
	Dir       string `json:"dir"`
	Jar       string `json:"jar,omitempty"`
	JVMParams string `json:"jvm_params,omitempty"`
	Command   string `json:"command,omitempty"`    // binary, for PID reuse detection
	StartedAt int64  `json:"started_at,omitempty"` // Unix timestamp
	StartTime int64  `json:"start_time,omitempty"` // OS-reported process start time
}

func newStateFile(dir string) *stateFile {
	return &stateFile{
		path: filepath.Join(dir, "state.json"),
	}
}

// load returns the saved record, or nil if there is none.
func (sf *stateFile) load() (*RunRecord, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	data, err := os.ReadFile(sf.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return &rec, nil
}

func (sf *stateFile) save(rec RunRecord) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(sf.path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := sf.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, sf.path)
}

func (sf *stateFile) clear() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.Remove(sf.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
