// Package urltone plays clips streamed over HTTP and watches the output
// for sustained stalls.
//
// The output stage reports a stall every StallAfter while it receives no
// audio. Stalls feed a watchdog window; once a burst escalates the player
// marks the stream failed and leaves a pending timeout for the supervisor,
// which plays a retry prompt and, after repeated escalations, asks for a
// device restart.
//
// A stream that fails mid-way is replayed up to MaxReplays times, each
// replay preceded by the retry prompt. Streams that played for at least
// ResumeAfter resume where they stopped; shorter ones start over.
package urltone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/device"
	"github.com/teslashibe/go-voicebox/pkg/output"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/playback"
	"github.com/teslashibe/go-voicebox/pkg/stages"
	"github.com/teslashibe/go-voicebox/pkg/state"
	"github.com/teslashibe/go-voicebox/pkg/watchdog"
)

// Name identifies the streaming player to the arbiter and translator.
const Name = "url"

// Element names of the streaming graph.
const (
	ElemHTTP      = "url_http"
	ElemDecoder   = "url_dec"
	ElemResampler = "url_rsp"
	ElemOutput    = "url_out"
)

// DefaultRetryURI is the prompt played after an escalated stall.
const DefaultRetryURI = "spiffs://spiffs/connect_wifi_retry.mp3"

// RetryPlayer plays the retry prompt. The tone player satisfies it.
type RetryPlayer interface {
	Play(ctx context.Context, req playback.ToneRequest) error
}

// Options configures a Player.
type Options struct {
	Sink    audioio.Sink
	Arbiter *output.Arbiter
	Flags   *state.Flags

	// Client fetches streams. Nil uses the shared streaming client.
	Client *http.Client

	// StallAfter is the stall signal period of the output stage.
	StallAfter time.Duration

	Window watchdog.Config
	Clock  watchdog.Clock

	Retry      RetryPlayer
	RetryURI   string
	RetryDelay time.Duration

	Restarter device.Restarter

	// MaxReplays bounds consecutive replays of a failed stream. Zero
	// disables replay.
	MaxReplays int
	// ResumeAfter is the play time after which a replay resumes from the
	// failure position instead of the beginning.
	ResumeAfter time.Duration

	// PCMFormat describes raw .pcm streams.
	PCMFormat audioio.Format

	Logger *slog.Logger
}

// DefaultOptions returns half second stall signals, the default watchdog
// window, two second retry delays and five replays.
func DefaultOptions() Options {
	return Options{
		StallAfter:  500 * time.Millisecond,
		Window:      watchdog.DefaultConfig(),
		RetryURI:    DefaultRetryURI,
		RetryDelay:  2 * time.Second,
		MaxReplays:  5,
		ResumeAfter: 3 * time.Second,
		PCMFormat:   audioio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
	}
}

// replayPlan is a failed stream waiting to be played again.
type replayPlan struct {
	uri    string
	offset int64
}

// Player owns the streaming graph.
type Player struct {
	opts   Options
	logger *slog.Logger
	window *watchdog.Window
	clock  watchdog.Clock

	pending   atomic.Bool
	restarted atomic.Bool

	mu      sync.Mutex
	graph   *pipeline.Pipeline
	reader  *stages.HTTPReader
	dec     *stages.ClipDecoder
	state   playback.State
	uri     string
	lastErr error
	started time.Time
	replay  *replayPlan
	replays int
}

// New builds the streaming graph.
func New(opts Options) (*Player, error) {
	if opts.Sink == nil || opts.Arbiter == nil || opts.Flags == nil {
		return nil, fmt.Errorf("urltone: sink, arbiter and flags required")
	}
	if opts.RetryURI == "" {
		opts.RetryURI = DefaultRetryURI
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", Name)

	clock := opts.Clock
	if clock == nil {
		clock = watchdog.RealClock
	}

	p := &Player{
		opts:   opts,
		logger: logger,
		window: watchdog.New(opts.Window, opts.Clock),
		clock:  clock,
	}

	g := pipeline.New(Name, pipeline.WithLogger(logger))
	p.reader = stages.NewHTTPReader(opts.Client)
	p.dec = stages.NewClipDecoder(opts.PCMFormat)
	writer := stages.NewDeviceWriter(opts.Sink, stages.DeviceWriterOptions{
		Target:     stages.TargetDevice,
		StallAfter: opts.StallAfter,
		OnStall:    p.OnTimeoutSignal,
		Drain:      true,
		Logger:     logger,
	})

	for _, r := range []struct {
		name string
		el   pipeline.Element
	}{
		{ElemHTTP, p.reader},
		{ElemDecoder, p.dec},
		{ElemResampler, stages.NewResampler(opts.Sink.Config().Format())},
		{ElemOutput, writer},
	} {
		if err := g.Register(r.name, r.el); err != nil {
			_ = g.Deinit()
			return nil, &playback.ResourceError{Op: "register " + r.name, Err: err}
		}
	}
	if err := g.Link(ElemHTTP, ElemDecoder, ElemResampler, ElemOutput); err != nil {
		_ = g.Deinit()
		return nil, &playback.ResourceError{Op: "link", Err: err}
	}
	p.graph = g
	return p, nil
}

// Name implements output.Player.
func (p *Player) Name() string { return Name }

// Play streams uri, replacing whatever this player was streaming.
func (p *Player) Play(ctx context.Context, uri string) error {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return &playback.ResourceError{Op: "play " + uri, Err: errors.New("not a network uri")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.opts.Arbiter.Claim(Name)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.replay = nil
	p.replays = 0
	if err := p.startLocked(uri, 0); err != nil {
		return err
	}
	p.logger.Info("stream playing", "uri", uri)
	return nil
}

func (p *Player) startLocked(uri string, offset int64) error {
	p.haltLocked()
	p.reader.SetURI(uri)
	p.reader.SetOffset(offset)
	p.dec.SetCodec(stages.CodecForURI(uri))
	if err := p.graph.Run(); err != nil {
		return &playback.ResourceError{Op: "run stream", Err: err}
	}
	p.state = playback.Running
	p.uri = uri
	p.lastErr = nil
	p.started = p.clock.Now()
	p.opts.Flags.Update(func(s *state.Snapshot) {
		s.URLPlaying = true
		s.URLFinished = false
		s.URLFailed = false
		s.OutputAborted = false
	})
	return nil
}

// Stop halts the stream.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == playback.Idle && p.replay == nil {
		return playback.ErrNotRunning
	}
	p.replay = nil
	p.replays = 0
	p.haltLocked()
	p.state = playback.Idle
	p.opts.Flags.Update(func(s *state.Snapshot) {
		s.URLPlaying = false
		s.URLFinished = true
	})
	p.logger.Debug("stream stopped", "uri", p.uri)
	return nil
}

// Abort stops the stream because the device may no longer play and marks
// the output aborted.
func (p *Player) Abort() error {
	if err := p.Stop(); err != nil {
		return err
	}
	p.opts.Flags.SetOutputAborted(true)
	p.logger.Info("stream aborted", "uri", p.uri)
	return nil
}

func (p *Player) haltLocked() {
	_ = p.graph.Stop()
	p.graph.WaitForStop()
	p.graph.ResetQueues()
	p.graph.ResetStages()
}

// Complete handles a terminal event from the output stage.
func (p *Player) Complete(ev pipeline.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Seq != p.graph.Seq() {
		return false
	}
	p.finishLocked()
	p.logger.Debug("stream finished", "uri", p.uri, "kind", ev.Kind.String())
	return true
}

// finishLocked settles the player after its run ended. A stream with a
// replay scheduled keeps URLPlaying set until the replay starts.
func (p *Player) finishLocked() {
	p.state = playback.Idle
	if p.replay != nil {
		return
	}
	if p.lastErr == nil {
		p.replays = 0
	}
	p.opts.Flags.Update(func(s *state.Snapshot) {
		s.URLPlaying = false
		s.URLFinished = true
	})
}

// Fail records a mid-stream failure and schedules a replay while replays
// remain. Play never returns these.
func (p *Player) Fail(ev pipeline.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Seq != p.graph.Seq() {
		return
	}
	p.lastErr = &playback.StreamError{URI: p.uri, Err: ev.Err}
	p.opts.Flags.SetURLFailed(true)
	p.logger.Warn("stream failed", "uri", p.uri, "element", ev.Element, "error", ev.Err)

	switch {
	case p.replays < p.opts.MaxReplays:
		p.replays++
		p.replay = &replayPlan{uri: p.uri, offset: p.resumeOffsetLocked()}
		p.logger.Info("stream replay scheduled",
			"uri", p.uri,
			"attempt", p.replays,
			"offset", p.replay.offset,
		)
	case p.opts.MaxReplays > 0:
		p.logger.Warn("stream replays exhausted", "uri", p.uri, "replays", p.replays)
		p.replays = 0
	}

	// A failing output stage reports no terminal event of its own.
	if ev.Element == ElemOutput {
		p.finishLocked()
	}
}

// resumeOffsetLocked returns where a replay starts: the frame aligned
// failure position of a raw stream that played for ResumeAfter, otherwise
// the beginning. Compressed and WAV streams cannot be entered mid-way.
func (p *Player) resumeOffsetLocked() int64 {
	if p.opts.ResumeAfter <= 0 || p.clock.Now().Sub(p.started) < p.opts.ResumeAfter {
		return 0
	}
	if p.dec.Codec() != stages.CodecPCM {
		return 0
	}
	pos := p.reader.Position()
	if block := int64(p.opts.PCMFormat.Channels * p.opts.PCMFormat.BitDepth / 8); block > 0 {
		pos -= pos % block
	}
	return pos
}

// ReplayPending reports whether a failed stream waits to be replayed.
func (p *Player) ReplayPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replay != nil
}

// Replays returns the number of replays of the current stream so far.
func (p *Player) Replays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replays
}

// HandleReplay plays the retry prompt and restarts a failed stream once
// its run has ended. It reports whether the stream was restarted.
func (p *Player) HandleReplay(ctx context.Context) bool {
	p.mu.Lock()
	plan := p.replay
	busy := p.state == playback.Running
	p.mu.Unlock()
	if plan == nil || busy {
		return false
	}

	if !sleep(ctx, p.opts.RetryDelay) {
		return false
	}
	if p.opts.Retry != nil {
		err := p.opts.Retry.Play(ctx, playback.ToneRequest{QoS: playback.QoSPreempt, URI: p.opts.RetryURI})
		if err != nil {
			p.logger.Warn("retry prompt failed", "uri", p.opts.RetryURI, "error", err)
		}
	}
	if !sleep(ctx, p.opts.RetryDelay) {
		return false
	}

	p.opts.Arbiter.Claim(Name)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Stop or Play may have replaced the plan while the prompt ran.
	if p.replay != plan {
		return false
	}
	p.replay = nil
	if err := p.startLocked(plan.uri, plan.offset); err != nil {
		p.logger.Error("stream replay failed", "uri", plan.uri, "error", err)
		p.finishLocked()
		return false
	}
	p.logger.Info("stream replaying", "uri", plan.uri, "attempt", p.replays, "offset", plan.offset)
	return true
}

// LastError returns the failure of the current stream, if any.
func (p *Player) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// IsPlaying reports whether a stream holds the output.
func (p *Player) IsPlaying() bool { return p.opts.Flags.Snapshot().URLPlaying }

// IsFailed reports whether the last stream failed.
func (p *Player) IsFailed() bool { return p.opts.Flags.Snapshot().URLFailed }

// OnTimeoutSignal feeds one stall signal into the watchdog window. It runs
// on the output stage and must not take the player lock.
func (p *Player) OnTimeoutSignal() {
	if !p.window.Signal() {
		return
	}
	p.opts.Flags.SetURLFailed(true)
	p.pending.Store(true)
	p.logger.Warn("stream output timed out",
		"uri", p.reader.URI(),
		"escalations", p.window.TriggerCount(),
	)
}

// Pending reports whether an escalated timeout awaits handling.
func (p *Player) Pending() bool { return p.pending.Load() }

// TriggerCount returns the watchdog escalation count.
func (p *Player) TriggerCount() int { return p.window.TriggerCount() }

// RestartRequested reports whether a device restart has been requested.
func (p *Player) RestartRequested() bool { return p.restarted.Load() }

// HandlePendingTimeout plays the retry prompt for an escalated timeout and
// requests a restart once escalations exceed the configured limit. It
// reports whether a restart was requested by this call. The restart is
// requested once; later escalations are cleared without a prompt.
func (p *Player) HandlePendingTimeout(ctx context.Context) bool {
	if !p.pending.Load() {
		return false
	}
	if p.restarted.Load() {
		p.pending.Store(false)
		return false
	}

	if p.State() == playback.Running {
		_ = p.Stop()
	}
	if !sleep(ctx, p.opts.RetryDelay) {
		return false
	}

	if p.opts.Retry != nil {
		err := p.opts.Retry.Play(ctx, playback.ToneRequest{QoS: playback.QoSWait, URI: p.opts.RetryURI})
		if err != nil {
			p.logger.Warn("retry prompt failed", "uri", p.opts.RetryURI, "error", err)
		}
	}
	if !sleep(ctx, p.opts.RetryDelay) {
		return false
	}

	p.pending.Store(false)
	if !p.window.RestartDue() {
		return false
	}

	p.restarted.Store(true)
	reason := fmt.Sprintf("stream output timed out %d times", p.window.TriggerCount())
	if p.opts.Restarter != nil {
		p.opts.Restarter.Restart(reason)
	} else {
		p.logger.Error("restart due but no restarter configured", "reason", reason)
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// URI returns the current or last stream.
func (p *Player) URI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uri
}

// State returns the player state.
func (p *Player) State() playback.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running implements output.Player.
func (p *Player) Running() bool { return p.State() == playback.Running }

// Events returns the graph's event channel.
func (p *Player) Events() <-chan pipeline.Event { return p.graph.Events() }

// Close stops the stream and releases the graph.
func (p *Player) Close() error {
	_ = p.Stop()
	return p.graph.Deinit()
}
