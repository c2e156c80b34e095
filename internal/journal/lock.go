package journal

import (
	"os"
	"time"

	"github.com/hypermemory/hypermemory/internal/herrors"
)

const (
	lockPollInterval = 50 * time.Millisecond
	lockTimeout      = 5 * time.Second
)

// dirLock is a cross-process mutex implemented as an atomic mkdir. It
// works on any filesystem without an extra library, which is the whole
// point: journal writers must not require platform-specific advisory
// locks to stay portable.
type dirLock struct {
	path string
}

func newDirLock(path string) *dirLock {
	return &dirLock{path: path}
}

// acquire polls every lockPollInterval until it can create path, or
// returns a LockTimeout error after lockTimeout elapses.
func (l *dirLock) acquire(op string) error {
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(l.path, 0o755)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return herrors.Wrap(herrors.LockTimeout, op, err)
		}
		if time.Now().After(deadline) {
			return herrors.New(herrors.LockTimeout, op, "timed out waiting for journal lock")
		}
		time.Sleep(lockPollInterval)
	}
}

func (l *dirLock) release() error {
	return os.Remove(l.path)
}
