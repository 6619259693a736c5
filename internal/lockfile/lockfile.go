// Package lockfile keeps a single agent process per state directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyLocked indicates another agent process owns the state directory.
var ErrAlreadyLocked = errors.New("lock already held")

// HeldError is returned when the lock is owned by someone else. It unwraps to ErrAlreadyLocked.
type HeldError struct {
	Path      string
	HolderPID int
}

func (e *HeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("%s: %v by pid %d", e.Path, ErrAlreadyLocked, e.HolderPID)
	}
	return fmt.Sprintf("%s: %v", e.Path, ErrAlreadyLocked)
}

func (e *HeldError) Unwrap() error { return ErrAlreadyLocked }

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive, non-blocking lock on path and records the current pid in it.
func Acquire(path string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			pid, _ := HolderPID(path)
			return nil, &HeldError{Path: path, HolderPID: pid}
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// HolderPID reads the pid recorded by the last successful Acquire.
// The file is not removed on release, so the pid may be stale.
func HolderPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("no pid recorded in %s", path)
	}
	return pid, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
