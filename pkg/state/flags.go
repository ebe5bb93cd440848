// Package state holds the playback flags shared by the managers, the event
// translator and the control API.
package state

import (
	"context"
	"sync"
)

// Snapshot is a consistent copy of the flags.
type Snapshot struct {
	TonePlaying   bool `json:"tone_playing"`
	URLPlaying    bool `json:"url_playing"`
	URLFinished   bool `json:"url_finished"`
	URLFailed     bool `json:"url_failed"`
	LocalFinished bool `json:"local_finished"`
	OutputAborted bool `json:"output_aborted"`
}

// Busy reports whether a tone or a stream holds the output.
func (s Snapshot) Busy() bool {
	return s.TonePlaying || s.URLPlaying
}

// Flags is the single shared flag object. Every change wakes the waiters
// blocked in WaitUntil and the Changed channel.
type Flags struct {
	mu      sync.Mutex
	s       Snapshot
	changed chan struct{}
}

// NewFlags returns flags with everything cleared.
func NewFlags() *Flags {
	return &Flags{changed: make(chan struct{})}
}

// Snapshot returns the current values.
func (f *Flags) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

// Changed returns a channel closed at the next change.
func (f *Flags) Changed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

// Update applies fn atomically and notifies waiters if anything changed.
func (f *Flags) Update(fn func(s *Snapshot)) {
	f.mu.Lock()
	before := f.s
	fn(&f.s)
	if f.s != before {
		close(f.changed)
		f.changed = make(chan struct{})
	}
	f.mu.Unlock()
}

// WaitUntil blocks until pred holds or ctx is done.
func (f *Flags) WaitUntil(ctx context.Context, pred func(Snapshot) bool) error {
	for {
		f.mu.Lock()
		ok := pred(f.s)
		ch := f.changed
		f.mu.Unlock()

		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Flags) SetTonePlaying(v bool)   { f.Update(func(s *Snapshot) { s.TonePlaying = v }) }
func (f *Flags) SetURLPlaying(v bool)    { f.Update(func(s *Snapshot) { s.URLPlaying = v }) }
func (f *Flags) SetURLFinished(v bool)   { f.Update(func(s *Snapshot) { s.URLFinished = v }) }
func (f *Flags) SetURLFailed(v bool)     { f.Update(func(s *Snapshot) { s.URLFailed = v }) }
func (f *Flags) SetLocalFinished(v bool) { f.Update(func(s *Snapshot) { s.LocalFinished = v }) }
func (f *Flags) SetOutputAborted(v bool) { f.Update(func(s *Snapshot) { s.OutputAborted = v }) }

// Busy reports whether a tone or a stream holds the output.
func (f *Flags) Busy() bool { return f.Snapshot().Busy() }
