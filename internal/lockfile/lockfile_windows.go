//go:build windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// The first byte of the file is the lock region.
const lockRegionBytes = 1

func tryLock(f *os.File) error {
	if f == nil {
		return errors.New("nil lock file")
	}
	ol := new(windows.Overlapped)
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, lockRegionBytes, 0, ol)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION):
		return ErrAlreadyLocked
	default:
		return err
	}
}

func unlock(f *os.File) error {
	if f == nil {
		return nil
	}
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockRegionBytes, 0, new(windows.Overlapped))
}
