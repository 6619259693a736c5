package agent

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

const suspendCommandTimeout = 2 * time.Minute

type instanceStatusStore interface {
	UpdateInstanceStatus(ctx context.Context, sessionID string, status conversation.InstanceStatus) error
}

// suspender marks the instance stopped, runs the configured suspend command and stops the process.
type suspender struct {
	log     *slog.Logger
	store   instanceStatusStore
	command string
	dir     string
	stop    func()
}

func newSuspender(log *slog.Logger, store instanceStatusStore, command string, dir string, stop func()) *suspender {
	return &suspender{log: log, store: store, command: strings.TrimSpace(command), dir: dir, stop: stop}
}

func (s *suspender) Suspend(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), suspendCommandTimeout)
	defer cancel()

	if sessionID = strings.TrimSpace(sessionID); sessionID != "" && s.store != nil {
		if err := s.store.UpdateInstanceStatus(ctx, sessionID, conversation.InstanceStatusStopped); err != nil {
			s.log.Warn("update instance status failed", "session_id", sessionID, "error", err)
		}
	}

	if s.command != "" {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
		cmd.Dir = s.dir
		cmd.Env = os.Environ()
		out, err := cmd.CombinedOutput()
		if err != nil {
			s.log.Error("suspend command failed", "error", err, "output", truncateForLog(string(out), 2000))
		} else {
			s.log.Info("suspend command finished", "output", truncateForLog(string(out), 2000))
		}
	}

	if s.stop != nil {
		s.stop()
	}
}

func truncateForLog(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
