// Package singleton elects one process to run the background loops. Several
// API replicas may serve traffic concurrently, but audit retention, pool
// sweeps and alert evaluation must run once: whoever wins a non-blocking
// file lock runs them, everyone else serves requests with the loops skipped.
package singleton

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// DefaultLockPath is used when BACKGROUND_TASKS_LOCKFILE is unset.
func DefaultLockPath() string {
	return filepath.Join(os.TempDir(), "kubedeck-background.lock")
}

// Lock is a non-blocking exclusive file lock with the holder's PID written
// into the file for operator inspection.
type Lock struct {
	fl   *flock.Flock
	held bool
}

// New prepares a lock at path without acquiring it.
func New(path string) *Lock {
	if path == "" {
		path = DefaultLockPath()
	}
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// TryAcquire attempts the lock without blocking. It returns false when
// another process holds it; an error means the attempt itself failed.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return false, nil
	}
	l.held = true

	// Best effort: the PID is advisory, the flock is what actually excludes.
	if err := os.WriteFile(l.fl.Path(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = l.Release()
		return false, fmt.Errorf("failed to write lock owner: %w", err)
	}
	return true, nil
}

// Held reports whether this process currently owns the lock.
func (l *Lock) Held() bool {
	return l.held
}

// Release truncates the owner record and drops the lock. Safe to call when
// the lock is not held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	// Empty the PID before unlocking so a stale owner is never advertised.
	_ = os.Truncate(l.fl.Path(), 0)
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.fl.Path(), err)
	}
	return nil
}
