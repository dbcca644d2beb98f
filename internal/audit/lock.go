package audit

import (
	"errors"
	"fmt"
	"os"

	"github.com/auditkit/auditkit/pkg/errclass"
)

// LockSuffix is appended to the live path to name the writer lock file.
const LockSuffix = ".lock"

type fileLock struct {
	f    *os.File
	path string
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errclass.ErrInitialization.Wrapf(err, "open lock file %s", path)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, errclass.ErrInitialization.Wrapf(err, "audit log is held by another writer (%s)", path)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &fileLock{f: f, path: path}, nil
}

func (l *fileLock) release() error {
	if l == nil {
		return nil
	}
	unlockFile(l.f)
	err := l.f.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// LockHeld reports whether a live writer currently holds the lock for the
// audit file at path. A lock file that exists but is not held is stale.
func LockHeld(path string) (exists, held bool, err error) {
	lockPath := path + LockSuffix
	f, err := os.OpenFile(lockPath, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return true, true, nil
	}
	unlockFile(f)
	return true, false, nil
}
