package ai

import (
	"strings"
	"sync"
	"sync/atomic"
)

// TurnHandle is the cooperative cancellation token of one running turn.
type TurnHandle struct {
	sessionID string
	coord     *Coordinator

	cancelled atomic.Bool
	finished  atomic.Bool
	fired     atomic.Bool

	mu      sync.Mutex
	cleanup func()
}

func (h *TurnHandle) SessionID() string { return h.sessionID }

func (h *TurnHandle) Cancel() { h.cancelled.Store(true) }

func (h *TurnHandle) IsCancelled() bool { return h.cancelled.Load() }

func (h *TurnHandle) Finished() bool { return h.finished.Load() }

// Finish marks the turn done, drops it from its coordinator and runs the attached cleanup, if any.
func (h *TurnHandle) Finish() {
	if h.finished.CompareAndSwap(false, true) && h.coord != nil {
		h.coord.release(h)
	}
	h.fire()
}

// attach stores cleanup unless one is already attached. A handle that already finished runs it
// right away; fire's compare-and-set keeps that from racing with Finish.
func (h *TurnHandle) attach(cleanup func()) {
	if cleanup == nil {
		return
	}
	h.mu.Lock()
	if h.cleanup == nil {
		h.cleanup = cleanup
	}
	done := h.finished.Load()
	h.mu.Unlock()
	if done {
		h.fire()
	}
}

func (h *TurnHandle) fire() {
	h.mu.Lock()
	fn := h.cleanup
	h.mu.Unlock()
	if fn == nil {
		return
	}
	if h.fired.CompareAndSwap(false, true) {
		fn()
	}
}

// Coordinator tracks running turns per session.
type Coordinator struct {
	mu      sync.Mutex
	handles map[string][]*TurnHandle
}

func NewCoordinator() *Coordinator {
	return &Coordinator{handles: make(map[string][]*TurnHandle)}
}

// Start registers a new turn for sessionID.
func (c *Coordinator) Start(sessionID string) *TurnHandle {
	sessionID = strings.TrimSpace(sessionID)
	h := &TurnHandle{sessionID: sessionID, coord: c}
	c.mu.Lock()
	c.handles[sessionID] = append(pruneFinished(c.handles[sessionID]), h)
	c.mu.Unlock()
	return h
}

// release forgets a finished handle; a session with no handles left is removed.
func (c *Coordinator) release(h *TurnHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := pruneFinished(c.handles[h.sessionID])
	if len(live) == 0 {
		delete(c.handles, h.sessionID)
		return
	}
	c.handles[h.sessionID] = live
}

func (c *Coordinator) sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// CancelAll flags every unfinished turn of sessionID and attaches cleanup to it. cleanup runs once
// per handle, from the turn's own completion path. It returns how many turns were signalled.
func (c *Coordinator) CancelAll(sessionID string, cleanup func()) int {
	sessionID = strings.TrimSpace(sessionID)
	c.mu.Lock()
	live := pruneFinished(c.handles[sessionID])
	if len(live) == 0 {
		delete(c.handles, sessionID)
	} else {
		c.handles[sessionID] = live
	}
	targets := append([]*TurnHandle(nil), live...)
	c.mu.Unlock()

	for _, h := range targets {
		h.Cancel()
		h.attach(cleanup)
	}
	return len(targets)
}

// Active returns the number of unfinished turns of sessionID.
func (c *Coordinator) Active(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles[strings.TrimSpace(sessionID)] {
		if !h.Finished() {
			n++
		}
	}
	return n
}

// CancelEverything flags all turns of all sessions without cleanup. Used on shutdown.
func (c *Coordinator) CancelEverything() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hs := range c.handles {
		for _, h := range hs {
			h.Cancel()
		}
	}
}

func pruneFinished(in []*TurnHandle) []*TurnHandle {
	out := in[:0]
	for _, h := range in {
		if !h.Finished() {
			out = append(out, h)
		}
	}
	for i := len(out); i < len(in); i++ {
		in[i] = nil
	}
	return out
}
