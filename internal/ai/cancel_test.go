package ai

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestCoordinator_CleanupRunsOnceAfterFinish(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	h := c.Start("s1")

	var fired atomic.Int32
	cleanup := func() { fired.Add(1) }
	if n := c.CancelAll("s1", cleanup); n != 1 {
		t.Fatalf("CancelAll=%d, want 1", n)
	}
	if n := c.CancelAll("s1", cleanup); n != 1 {
		t.Fatalf("second CancelAll=%d, want 1", n)
	}
	if !h.IsCancelled() {
		t.Fatalf("handle not cancelled")
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("cleanup fired=%d before Finish", got)
	}

	h.Finish()
	h.Finish()
	if got := fired.Load(); got != 1 {
		t.Fatalf("cleanup fired=%d, want 1", got)
	}
	if n := c.CancelAll("s1", cleanup); n != 0 {
		t.Fatalf("CancelAll after finish=%d, want 0", n)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("cleanup fired=%d after late CancelAll, want 1", got)
	}
}

func TestTurnHandle_AttachAfterFinishFiresImmediately(t *testing.T) {
	t.Parallel()

	h := &TurnHandle{sessionID: "s1"}
	h.Finish()

	var fired atomic.Int32
	h.attach(func() { fired.Add(1) })
	h.attach(func() { fired.Add(100) })
	if got := fired.Load(); got != 1 {
		t.Fatalf("cleanup fired=%d, want 1", got)
	}
}

func TestTurnHandle_ConcurrentFinishAndAttachFireOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		h := &TurnHandle{sessionID: "s1"}
		var fired atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.attach(func() { fired.Add(1) })
		}()
		go func() {
			defer wg.Done()
			h.Finish()
		}()
		wg.Wait()
		if got := fired.Load(); got != 1 {
			t.Fatalf("iteration %d: cleanup fired=%d, want 1", i, got)
		}
	}
}

func TestCoordinator_ActiveAndSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	a1 := c.Start("a")
	a2 := c.Start("a")
	b := c.Start("b")

	if got := c.Active("a"); got != 2 {
		t.Fatalf("Active(a)=%d, want 2", got)
	}
	a1.Finish()
	if got := c.Active("a"); got != 1 {
		t.Fatalf("Active(a)=%d, want 1", got)
	}

	if n := c.CancelAll("a", nil); n != 1 {
		t.Fatalf("CancelAll(a)=%d, want 1", n)
	}
	if !a2.IsCancelled() || b.IsCancelled() {
		t.Fatalf("a2 cancelled=%v b cancelled=%v", a2.IsCancelled(), b.IsCancelled())
	}

	c.CancelEverything()
	if !b.IsCancelled() {
		t.Fatalf("CancelEverything left b running")
	}
}

func TestCoordinator_FinishForgetsSession(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	a1 := c.Start("a")
	a2 := c.Start("a")
	b := c.Start("b")
	if got := c.sessions(); got != 2 {
		t.Fatalf("sessions=%d, want 2", got)
	}

	a1.Finish()
	if got := c.sessions(); got != 2 {
		t.Fatalf("sessions=%d after one of two turns finished, want 2", got)
	}
	a2.Finish()
	a2.Finish()
	b.Finish()
	if got := c.sessions(); got != 0 {
		t.Fatalf("sessions=%d after every turn finished, want 0", got)
	}
	if got := c.Active("a"); got != 0 {
		t.Fatalf("Active(a)=%d, want 0", got)
	}
}
