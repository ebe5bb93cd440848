package watchdog

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// signal sends n signals spaced by step and returns how many escalated.
func signal(w *Window, c *fakeClock, n int, step time.Duration) int {
	escalations := 0
	for i := 0; i < n; i++ {
		if i > 0 {
			c.Advance(step)
		}
		if w.Signal() {
			escalations++
		}
	}
	return escalations
}

func TestWindow_DenseSignalsEscalateOnce(t *testing.T) {
	c := newFakeClock()
	w := New(DefaultConfig(), c)

	// 25 signals 500ms apart span exactly 12s.
	if got := signal(w, c, 25, 500*time.Millisecond); got != 1 {
		t.Errorf("Expected 1 escalation, got %d", got)
	}
	if w.TriggerCount() != 1 {
		t.Errorf("Expected trigger count 1, got %d", w.TriggerCount())
	}
}

func TestWindow_SparseSignalsNeverEscalate(t *testing.T) {
	c := newFakeClock()
	w := New(DefaultConfig(), c)

	if got := signal(w, c, 40, 1100*time.Millisecond); got != 0 {
		t.Errorf("Expected no escalation, got %d", got)
	}
	if w.TriggerCount() != 0 {
		t.Errorf("Expected trigger count 0, got %d", w.TriggerCount())
	}
}

func TestWindow_ResetAfterEscalation(t *testing.T) {
	c := newFakeClock()
	w := New(DefaultConfig(), c)

	signal(w, c, 25, 500*time.Millisecond)

	// The window restarted: another 11.5s of signals is not enough.
	c.Advance(500 * time.Millisecond)
	if got := signal(w, c, 24, 500*time.Millisecond); got != 0 {
		t.Errorf("Expected no escalation in a partial burst, got %d", got)
	}
	c.Advance(500 * time.Millisecond)
	if !w.Signal() {
		t.Error("Expected the second burst to escalate at 12s")
	}
	if w.TriggerCount() != 2 {
		t.Errorf("Expected trigger count 2, got %d", w.TriggerCount())
	}
}

func TestWindow_GapClearsCount(t *testing.T) {
	c := newFakeClock()
	w := New(DefaultConfig(), c)

	signal(w, c, 25, 500*time.Millisecond)

	// The first signal after an escalation opens a new burst and keeps the
	// count; a long gap inside that burst clears it.
	c.Advance(5 * time.Second)
	w.Signal()
	if w.TriggerCount() != 1 {
		t.Errorf("Expected count kept across the escalation reset, got %d", w.TriggerCount())
	}
	c.Advance(1500 * time.Millisecond)
	w.Signal()

	if w.TriggerCount() != 0 {
		t.Errorf("Expected a long gap to clear the count, got %d", w.TriggerCount())
	}
}

func TestWindow_RestartDue(t *testing.T) {
	c := newFakeClock()
	w := New(DefaultConfig(), c)

	for i := 1; i <= 3; i++ {
		c.Advance(500 * time.Millisecond)
		signal(w, c, 25, 500*time.Millisecond)
		if want := i > 2; w.RestartDue() != want {
			t.Errorf("after %d escalations: expected RestartDue=%v", i, want)
		}
	}

	w.Reset()
	if w.RestartDue() || w.TriggerCount() != 0 {
		t.Error("Expected Reset to clear the count")
	}
}
