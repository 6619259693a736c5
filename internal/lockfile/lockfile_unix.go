//go:build !windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLock takes a non-blocking exclusive flock. os.OpenFile already sets O_CLOEXEC, so shells
// spawned by tools never inherit the descriptor.
func tryLock(f *os.File) error {
	if f == nil {
		return errors.New("nil lock file")
	}
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EAGAIN):
		return ErrAlreadyLocked
	default:
		return err
	}
}

func unlock(f *os.File) error {
	if f == nil {
		return nil
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
