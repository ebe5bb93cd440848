// Package watchdog detects sustained output stalls.
//
// A Window collects stall signals. Signals closer together than Gap extend
// the current burst; a longer silence inside a burst starts a new one and
// forgets earlier escalations. A burst lasting Span escalates once and the
// next signal opens a fresh burst.
package watchdog

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Config configures a Window.
type Config struct {
	// Gap is the largest spacing between signals of one burst.
	Gap time.Duration `yaml:"gap" json:"gap"`

	// Span is the burst length that escalates.
	Span time.Duration `yaml:"span" json:"span"`

	// RestartAfter is the escalation count above which a restart is due.
	RestartAfter int `yaml:"restart_after" json:"restart_after"`
}

// DefaultConfig returns a 1s gap, a 12s span and restart after more than
// two escalations.
func DefaultConfig() Config {
	return Config{
		Gap:          time.Second,
		Span:         12 * time.Second,
		RestartAfter: 2,
	}
}

// Window is a clock-injectable sliding window.
type Window struct {
	cfg   Config
	clock Clock

	mu     sync.Mutex
	active bool
	first  time.Time
	last   time.Time
	count  int
}

// New creates a window. A nil clock uses RealClock.
func New(cfg Config, clock Clock) *Window {
	if clock == nil {
		clock = RealClock
	}
	return &Window{cfg: cfg, clock: clock}
}

// Signal records one stall signal and reports whether it escalated.
func (w *Window) Signal() bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		w.first, w.last = now, now
		w.active = true
	}

	if now.Sub(w.last) <= w.cfg.Gap {
		w.last = now
	} else {
		w.first, w.last = now, now
		w.count = 0
	}

	if w.last.Sub(w.first) >= w.cfg.Span {
		w.count++
		w.active = false
		return true
	}
	return false
}

// TriggerCount returns the number of escalations since the last long gap.
func (w *Window) TriggerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// RestartDue reports whether escalations exceed RestartAfter.
func (w *Window) RestartDue() bool {
	return w.TriggerCount() > w.cfg.RestartAfter
}

// Reset forgets the current burst and the escalation count.
func (w *Window) Reset() {
	w.mu.Lock()
	w.active = false
	w.count = 0
	w.mu.Unlock()
}
