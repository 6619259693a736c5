package monitor

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
)

func Test_selectTopProcesses_sortAndLimit(t *testing.T) {
	procs := []ProcessInfo{
		{PID: 1, Name: "a", CPUPercent: 10},
		{PID: 2, Name: "b", CPUPercent: 30},
		{PID: 3, Name: "c", CPUPercent: 20},
		{PID: 4, Name: "d", CPUPercent: 20},
	}

	top := selectTopProcesses(procs, 3)
	if len(top) != 3 {
		t.Fatalf("len = %d, want 3", len(top))
	}
	if top[0].PID != 2 || top[1].PID != 3 || top[2].PID != 4 {
		t.Fatalf("order = [%d,%d,%d], want [2,3,4]", top[0].PID, top[1].PID, top[2].PID)
	}
	if procs[0].PID != 1 {
		t.Fatalf("input mutated")
	}

	if got := selectTopProcesses(nil, 3); got == nil || len(got) != 0 {
		t.Fatalf("empty input = %v, want empty non-nil", got)
	}
}

func TestService_SnapshotIsCached(t *testing.T) {
	s := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), t.TempDir())
	ctx := context.Background()

	first := s.Snapshot(ctx)
	if first.Platform != runtime.GOOS {
		t.Fatalf("Platform = %q, want %q", first.Platform, runtime.GOOS)
	}
	if first.TimestampMs == 0 {
		t.Fatalf("TimestampMs not set")
	}
	second := s.Snapshot(ctx)
	if second.TimestampMs != first.TimestampMs {
		t.Fatalf("second snapshot not served from cache")
	}
}
