// Package lock provides the cross-process lock shared by the backend, the
// job-grabber and every worker. The backend creates it once; spawned
// processes receive its path and flock(2) it themselves.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EnvVar names the environment variable carrying the lock path into
// spawned processes.
const EnvVar = "BUILDFARM_LOCK_FILE"

// ErrClosed is returned by Close on a lock that is already closed.
var ErrClosed = errors.New("lock closed")

// Lock is the shared lock file. The backend keeps it open for its
// lifetime so the file exists before any child starts.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New creates (if needed) and opens the lock file at path.
func New(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Env returns the KEY=VALUE entry handing this lock to a child process.
func (l *Lock) Env() string {
	return EnvVar + "=" + l.path
}

// Close closes the file. The lock file itself stays on disk.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	err := l.file.Close()
	l.file = nil
	return err
}
