package ai

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/notify"
)

// Suspender stops the instance the agent runs on.
type Suspender interface {
	Suspend(sessionID string)
}

type SuspenderFunc func(sessionID string)

func (f SuspenderFunc) Suspend(sessionID string) { f(sessionID) }

type IdleOptions struct {
	Logger    *slog.Logger
	Timeout   time.Duration
	Notifier  Notifier
	Suspender Suspender
}

// IdleTimer suspends the process after a period without turns. There is a single timer per
// process; arming resets it.
type IdleTimer struct {
	log       *slog.Logger
	timeout   time.Duration
	notifier  Notifier
	suspender Suspender

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	token     string
	sessionID string
	stopped   bool
}

// NewIdleTimer returns a timer. A non-positive timeout disables it.
func NewIdleTimer(opts IdleOptions) *IdleTimer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &IdleTimer{
		log:       log,
		timeout:   opts.Timeout,
		notifier:  opts.Notifier,
		suspender: opts.Suspender,
	}
}

// Arm (re)starts the countdown on behalf of sessionID.
func (t *IdleTimer) Arm(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked(strings.TrimSpace(sessionID))
}

func (t *IdleTimer) armLocked(sessionID string) {
	if t.stopped || t.timeout <= 0 {
		return
	}
	t.clearLocked()
	t.sessionID = sessionID
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() { t.fire(gen) })
}

func (t *IdleTimer) clearLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pause clears any pending countdown and returns a fresh token. Only a Resume with the newest
// token re-arms the timer.
func (t *IdleTimer) Pause() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
	t.token = uuid.NewString()
	return t.token
}

// Resume re-arms the timer if token is the most recently issued one. It reports whether it did.
func (t *IdleTimer) Resume(sessionID string, token string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if token == "" || token != t.token {
		return false
	}
	t.armLocked(strings.TrimSpace(sessionID))
	return !t.stopped && t.timeout > 0
}

// Stop disarms the timer for good.
func (t *IdleTimer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.clearLocked()
}

func (t *IdleTimer) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.stopped = true
	sessionID := t.sessionID
	t.mu.Unlock()

	t.log.Info("idle timeout reached; suspending instance", "session_id", sessionID, "timeout", t.timeout)
	if t.notifier != nil && sessionID != "" {
		t.notifier.Publish(sessionID, notify.Event{
			Type:      notify.EventTypeInstanceStopping,
			SessionID: sessionID,
			Text:      "Going to sleep after a period of inactivity. Send a message to wake me up.",
		})
	}
	if t.suspender != nil {
		t.suspender.Suspend(sessionID)
	}
}
