// Package output enforces that a single player writes to the device.
//
// Every play-style entry point claims the output before starting, which
// stops whichever other player is running. Claim must be called before the
// player takes its own lock: stopping another player takes that player's
// lock, and no lock may be held across both.
package output

import (
	"log/slog"
	"sync"
)

// Player is a manager that competes for the output.
type Player interface {
	Name() string
	Running() bool
	Stop() error
}

// Arbiter tracks the competing players.
type Arbiter struct {
	logger *slog.Logger

	mu      sync.Mutex
	players []Player
	owner   string
	claim   sync.Mutex
}

// NewArbiter creates an empty arbiter.
func NewArbiter(logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{logger: logger}
}

// Register adds a player.
func (a *Arbiter) Register(p Player) {
	a.mu.Lock()
	a.players = append(a.players, p)
	a.mu.Unlock()
}

// Claim stops every running player other than name and records name as
// the owner. Stop failures are logged and do not prevent the claim.
func (a *Arbiter) Claim(name string) {
	a.claim.Lock()
	defer a.claim.Unlock()

	a.mu.Lock()
	players := append([]Player(nil), a.players...)
	a.mu.Unlock()

	for _, p := range players {
		if p.Name() == name || !p.Running() {
			continue
		}
		a.logger.Info("preempting output", "owner", p.Name(), "claimant", name)
		if err := p.Stop(); err != nil {
			a.logger.Warn("stop for preemption failed", "player", p.Name(), "error", err)
		}
	}

	a.mu.Lock()
	a.owner = name
	a.mu.Unlock()
}

// Owner returns the last claimant, or "" before any claim.
func (a *Arbiter) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}
