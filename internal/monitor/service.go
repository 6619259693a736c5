package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	snapshotCacheTTL = 2 * time.Second
	childProcLimit   = 10
)

// Service reports the health of the instance the agent runs on.
type Service struct {
	log       *slog.Logger
	workspace string

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
}

func NewService(log *slog.Logger, workspaceDir string) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, workspace: workspaceDir}
}

type Snapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`

	WorkspaceFreeBytes uint64 `json:"workspace_free_bytes"`

	Platform string `json:"platform"`

	// Children are processes spawned by the agent, typically long-running commands.
	Children    []ProcessInfo `json:"children"`
	TimestampMs int64         `json:"timestamp_ms"`
}

type ProcessInfo struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Snapshot returns a cached snapshot no older than two seconds.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(time.UnixMilli(s.snap.TimestampMs)) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	collectedAt := time.Now()
	snap := Snapshot{Platform: runtime.GOOS}

	if usage, err := readCPUUsage(ctx); err == nil {
		snap.CPUUsage = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryUsedPercent = vm.UsedPercent
		snap.MemoryTotalBytes = vm.Total
	} else if err != nil {
		s.log.Warn("monitor: get memory failed", "error", err)
	}
	if strings.TrimSpace(s.workspace) != "" {
		if du, err := disk.UsageWithContext(ctx, s.workspace); err == nil && du != nil {
			snap.WorkspaceFreeBytes = du.Free
		} else if err != nil {
			s.log.Warn("monitor: get disk usage failed", "error", err)
		}
	}

	children, err := collectChildren(ctx, int32(os.Getpid()))
	if err != nil {
		s.log.Debug("monitor: list child processes failed", "error", err)
	}
	snap.Children = selectTopProcesses(children, childProcLimit)
	snap.TimestampMs = collectedAt.UnixMilli()
	return snap
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	// Non-blocking: compare against the last call.
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	// Bootstrap the previous sample with a short blocking interval.
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func collectChildren(ctx context.Context, pid int32) ([]ProcessInfo, error) {
	self, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	procs, err := self.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("[%d]", p.Pid)
		}
		cpuPercent, _ := p.CPUPercentWithContext(ctx)
		var memBytes uint64
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			memBytes = memInfo.RSS
		}
		out = append(out, ProcessInfo{
			PID:         p.Pid,
			Name:        name,
			CPUPercent:  cpuPercent,
			MemoryBytes: memBytes,
		})
	}
	return out, nil
}

func selectTopProcesses(procs []ProcessInfo, limit int) []ProcessInfo {
	if len(procs) == 0 || limit <= 0 {
		return []ProcessInfo{}
	}
	copied := make([]ProcessInfo, len(procs))
	copy(copied, procs)
	sort.Slice(copied, func(i, j int) bool {
		if copied[i].CPUPercent == copied[j].CPUPercent {
			return copied[i].PID < copied[j].PID
		}
		return copied[i].CPUPercent > copied[j].CPUPercent
	})
	if len(copied) > limit {
		copied = copied[:limit]
	}
	return copied
}
