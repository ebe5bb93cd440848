// Package device holds the collaborators that report and change the state
// of the device itself.
package device

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Gate reports whether playback is currently restricted, e.g. in standby.
type Gate interface {
	Restricted() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// Restricted calls f.
func (f GateFunc) Restricted() bool { return f() }

// StaticGate is a Gate toggled by the control API.
type StaticGate struct {
	restricted atomic.Bool
}

// Restricted implements Gate.
func (g *StaticGate) Restricted() bool { return g.restricted.Load() }

// Set changes the restriction.
func (g *StaticGate) Set(restricted bool) { g.restricted.Store(restricted) }

// Restarter requests a full device restart.
type Restarter interface {
	Restart(reason string)
}

// ChanRestarter delivers the first restart request on C and ignores the
// rest. The binary exits when it fires so the service manager restarts it.
type ChanRestarter struct {
	C chan string

	logger *slog.Logger
	once   sync.Once
}

// NewChanRestarter creates a restarter with a one-slot channel.
func NewChanRestarter(logger *slog.Logger) *ChanRestarter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChanRestarter{C: make(chan string, 1), logger: logger}
}

// Restart implements Restarter.
func (r *ChanRestarter) Restart(reason string) {
	r.once.Do(func() {
		r.logger.Error("device restart requested", "reason", reason)
		r.C <- reason
	})
}
