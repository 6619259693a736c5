package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_SecondAcquireReportsHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "agent.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	if got, err := HolderPID(path); err != nil || got != os.Getpid() {
		t.Fatalf("HolderPID=%d err=%v, want %d", got, err, os.Getpid())
	}

	_, err = Acquire(path)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire err=%v, want ErrAlreadyLocked", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || held.HolderPID != os.Getpid() {
		t.Fatalf("err=%#v, want HeldError with pid %d", err, os.Getpid())
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	_ = l2.Release()
}

func TestAcquire_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
