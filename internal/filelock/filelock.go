// Package filelock wraps gofrs/flock for the destructive operations that
// need an exclusive, OS-level advisory lock rather than the journal's
// portable mkdir lock.
package filelock

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/hypermemory/hypermemory/internal/herrors"
)

// FileLock is an exclusive advisory lock backed by a single file.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New returns a FileLock guarding path. The parent directory is created
// lazily on Lock.
func New(path string) *FileLock {
	return &FileLock{path: path, flock: flock.New(path)}
}

// Lock blocks until the exclusive lock is acquired.
func (l *FileLock) Lock(op string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, op, err)
	}
	if err := l.flock.Lock(); err != nil {
		return herrors.Wrap(herrors.LockTimeout, op, err)
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call on an unlocked FileLock.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	err := l.flock.Unlock()
	l.locked = false
	return err
}
