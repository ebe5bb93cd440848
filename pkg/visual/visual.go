// Package visual maps playback events to display states.
package visual

import "sync/atomic"

// State is a target display state.
type State int

const (
	Off State = iota
	Listen
	Reply
	Think
	Wakeup
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Listen:
		return "listen"
	case Reply:
		return "reply"
	case Think:
		return "think"
	case Wakeup:
		return "wakeup"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Hook receives display state changes. It must not block.
type Hook func(State)

// SleepPolicy decides which state follows a finished playback. A sleeping
// device that has not been woken goes dark; otherwise it goes back to
// listening.
type SleepPolicy struct {
	sleeping atomic.Bool
	woken    atomic.Bool
}

// SetSleeping records whether the device is in its sleep mode.
func (p *SleepPolicy) SetSleeping(v bool) { p.sleeping.Store(v) }

// Sleeping reports the sleep mode.
func (p *SleepPolicy) Sleeping() bool { return p.sleeping.Load() }

// SetWoken records a wake word heard while sleeping.
func (p *SleepPolicy) SetWoken(v bool) { p.woken.Store(v) }

// After returns the state to show once pipeline finished playing.
func (p *SleepPolicy) After(pipeline string) State {
	if p.sleeping.Load() && !p.woken.Load() {
		return Off
	}
	return Listen
}
