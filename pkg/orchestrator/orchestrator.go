// Package orchestrator wires the players, the recorder and the event
// translator around one output device and supervises the streaming
// player's timeout handling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/device"
	"github.com/teslashibe/go-voicebox/pkg/duplex"
	"github.com/teslashibe/go-voicebox/pkg/events"
	"github.com/teslashibe/go-voicebox/pkg/output"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/playback"
	"github.com/teslashibe/go-voicebox/pkg/recorder"
	"github.com/teslashibe/go-voicebox/pkg/state"
	"github.com/teslashibe/go-voicebox/pkg/tone"
	"github.com/teslashibe/go-voicebox/pkg/urltone"
	"github.com/teslashibe/go-voicebox/pkg/visual"
	"github.com/teslashibe/go-voicebox/pkg/watchdog"
)

var (
	// ErrNotStarted is returned by operations that need Start.
	ErrNotStarted = errors.New("orchestrator: not started")

	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("orchestrator: already started")
)

// Config holds the tunables of every component.
type Config struct {
	StorageRoot string
	FallbackURI string
	ToneWait    time.Duration

	StallAfter time.Duration
	Watchdog   watchdog.Config
	RetryURI   string
	RetryDelay time.Duration

	MaxReplays  int
	ResumeAfter time.Duration

	SupervisorInterval time.Duration

	DuplexCodec        string
	DuplexFormat       audioio.Format
	DuplexInputDepth   int
	RecorderCodec      string
	RecorderFormat     audioio.Format
	RecorderTimeout    time.Duration
	RecorderBuffer     int
	ClipFormat         audioio.Format
	MuteWhileStreaming bool
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() Config {
	toneOpts := tone.DefaultOptions()
	urlOpts := urltone.DefaultOptions()
	dupOpts := duplex.DefaultOptions()
	recOpts := recorder.DefaultOptions()

	return Config{
		StorageRoot:        toneOpts.StorageRoot,
		FallbackURI:        toneOpts.FallbackURI,
		ToneWait:           toneOpts.WaitTimeout,
		StallAfter:         urlOpts.StallAfter,
		Watchdog:           urlOpts.Window,
		RetryURI:           urlOpts.RetryURI,
		RetryDelay:         urlOpts.RetryDelay,
		MaxReplays:         urlOpts.MaxReplays,
		ResumeAfter:        urlOpts.ResumeAfter,
		SupervisorInterval: 500 * time.Millisecond,
		DuplexCodec:        dupOpts.Codec,
		DuplexFormat:       dupOpts.InputFormat,
		DuplexInputDepth:   dupOpts.InputDepth,
		RecorderCodec:      recOpts.Codec,
		RecorderFormat:     recOpts.Format,
		RecorderTimeout:    recOpts.ReadTimeout,
		RecorderBuffer:     recOpts.BufferBytes,
		ClipFormat:         toneOpts.PCMFormat,
		MuteWhileStreaming: true,
	}
}

// Deps are the collaborators supplied by the binary.
type Deps struct {
	Sink   audioio.Sink
	Source audioio.Source

	Gate      device.Gate
	Restarter device.Restarter
	Visual    visual.Hook
	Policy    *visual.SleepPolicy

	HTTPClient *http.Client
	Clock      watchdog.Clock

	NewOpusEncoder func(audioio.Format) (pipeline.Element, error)
	NewOpusDecoder func(audioio.Format) (pipeline.Element, error)

	// OnStatus receives the status whenever it changes.
	OnStatus func(Status)

	Logger *slog.Logger
}

// Status is a point-in-time view for the control API.
type Status struct {
	Flags       state.Snapshot          `json:"flags"`
	Tone        playback.State          `json:"tone"`
	URL         playback.State          `json:"url"`
	Duplex      playback.State          `json:"duplex"`
	Owner       string                  `json:"owner"`
	Restricted  bool                    `json:"restricted"`
	Sleeping    bool                    `json:"sleeping"`
	Escalations int                     `json:"escalations"`
	Pending     bool                    `json:"pending_timeout"`
	Pipelines   map[string]events.Stats `json:"pipelines,omitempty"`
}

// Orchestrator owns every player and the translator.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	flags      *state.Flags
	arbiter    *output.Arbiter
	tone       *tone.Player
	url        *urltone.Player
	duplex     *duplex.Manager
	recorder   *recorder.Manager
	translator *events.Translator

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	visualMu sync.Mutex
}

// New builds every component. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Sink == nil {
		return nil, fmt.Errorf("orchestrator: sink required")
	}
	if deps.Policy == nil {
		deps.Policy = &visual.SleepPolicy{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "orchestrator"),
		flags:   state.NewFlags(),
		arbiter: output.NewArbiter(logger),
	}

	var err error
	o.tone, err = tone.New(tone.Options{
		Sink:        deps.Sink,
		Arbiter:     o.arbiter,
		Flags:       o.flags,
		Gate:        deps.Gate,
		StorageRoot: cfg.StorageRoot,
		FallbackURI: cfg.FallbackURI,
		WaitTimeout: cfg.ToneWait,
		PCMFormat:   cfg.ClipFormat,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tone player: %w", err)
	}

	o.url, err = urltone.New(urltone.Options{
		Sink:        deps.Sink,
		Arbiter:     o.arbiter,
		Flags:       o.flags,
		Client:      deps.HTTPClient,
		StallAfter:  cfg.StallAfter,
		Window:      cfg.Watchdog,
		Clock:       deps.Clock,
		Retry:       o.tone,
		RetryURI:    cfg.RetryURI,
		RetryDelay:  cfg.RetryDelay,
		Restarter:   deps.Restarter,
		MaxReplays:  cfg.MaxReplays,
		ResumeAfter: cfg.ResumeAfter,
		PCMFormat:   cfg.ClipFormat,
		Logger:      logger,
	})
	if err != nil {
		_ = o.tone.Close()
		return nil, fmt.Errorf("stream player: %w", err)
	}

	o.duplex, err = duplex.New(duplex.Options{
		Sink:           deps.Sink,
		Arbiter:        o.arbiter,
		Codec:          cfg.DuplexCodec,
		InputFormat:    cfg.DuplexFormat,
		NewOpusDecoder: deps.NewOpusDecoder,
		InputDepth:     cfg.DuplexInputDepth,
		Logger:         logger,
	})
	if err != nil {
		_ = o.tone.Close()
		_ = o.url.Close()
		return nil, fmt.Errorf("duplex player: %w", err)
	}

	if deps.Source != nil {
		recOpts := recorder.Options{
			Source:         deps.Source,
			Codec:          cfg.RecorderCodec,
			Format:         cfg.RecorderFormat,
			NewOpusEncoder: deps.NewOpusEncoder,
			ReadTimeout:    cfg.RecorderTimeout,
			BufferBytes:    cfg.RecorderBuffer,
			OnWake:         o.onWake,
			Logger:         logger,
		}
		if cfg.MuteWhileStreaming {
			recOpts.Mute = func() bool { return o.flags.Snapshot().URLPlaying }
		}
		o.recorder, err = recorder.New(recOpts)
		if err != nil {
			_ = o.tone.Close()
			_ = o.url.Close()
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}

	o.arbiter.Register(o.tone)
	o.arbiter.Register(o.url)
	o.arbiter.Register(o.duplex)

	o.translator = events.New(events.Options{
		Hook:   o.visual,
		Ended:  o.endVisual,
		Policy: deps.Policy,
		Logger: logger,
	})
	return o, nil
}

func (o *Orchestrator) visual(s visual.State) {
	o.visualMu.Lock()
	defer o.visualMu.Unlock()
	if o.deps.Visual != nil {
		o.deps.Visual(s)
	}
}

// endVisual shows s for the end of a player's run unless another player
// has claimed the output since. Claims happen before the claimant's own
// visual, so a late completion never overrides it.
func (o *Orchestrator) endVisual(player string, s visual.State) {
	o.visualMu.Lock()
	defer o.visualMu.Unlock()
	if owner := o.arbiter.Owner(); owner != "" && owner != player {
		o.logger.Debug("completion visual superseded", "player", player, "owner", owner, "state", s.String())
		return
	}
	if o.deps.Visual != nil {
		o.deps.Visual(s)
	}
}

func (o *Orchestrator) onWake() {
	o.deps.Policy.SetWoken(true)
	o.visual(visual.Wakeup)
}

// Start opens the duplex graph and starts the translator and supervisor.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return ErrStarted
	}
	if err := o.duplex.Open(); err != nil {
		return err
	}

	bindings := []events.Binding{
		{Name: tone.Name, Sink: tone.ElemOutput, Events: o.tone.Events(), Target: o.tone, Visual: true},
		{Name: urltone.Name, Sink: urltone.ElemOutput, Events: o.url.Events(), Target: o.url},
		{Name: duplex.Name, Sink: duplex.ElemOutput, Events: o.duplex.Events(), Target: o.duplex, Visual: true},
	}
	for _, b := range bindings {
		if err := o.translator.Watch(b); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		if err := o.translator.Run(ctx); err != nil {
			o.logger.Error("event translator stopped", "error", err)
		}
	}()
	go func() {
		defer o.wg.Done()
		o.supervise(ctx)
	}()

	o.logger.Info("orchestrator started",
		"storage_root", o.cfg.StorageRoot,
		"duplex_codec", o.cfg.DuplexCodec,
		"recorder", o.recorder != nil,
	)
	return nil
}

// supervise handles escalated timeouts, aborts streams the device may not
// play and publishes status changes.
func (o *Orchestrator) supervise(ctx context.Context) {
	interval := o.cfg.SupervisorInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Status
	publish := func() {
		if o.deps.OnStatus == nil {
			return
		}
		s := o.Snapshot()
		if statusEqual(s, last) {
			return
		}
		last = s
		o.deps.OnStatus(s)
	}
	publish()

	for {
		changed := o.flags.Changed()
		select {
		case <-ctx.Done():
			return
		case <-changed:
			publish()
		case <-ticker.C:
			if o.url.HandlePendingTimeout(ctx) {
				o.logger.Error("restart requested after repeated stream timeouts")
			}
			restricted := o.deps.Gate != nil && o.deps.Gate.Restricted()
			if !restricted {
				o.url.HandleReplay(ctx)
			}
			if restricted && (o.url.Running() || o.url.ReplayPending()) {
				if err := o.url.Abort(); err != nil && !errors.Is(err, playback.ErrNotRunning) {
					o.logger.Warn("abort stream failed", "error", err)
				}
			}
			publish()
		}
	}
}

func statusEqual(a, b Status) bool {
	return a.Flags == b.Flags &&
		a.Tone == b.Tone &&
		a.URL == b.URL &&
		a.Duplex == b.Duplex &&
		a.Owner == b.Owner &&
		a.Restricted == b.Restricted &&
		a.Sleeping == b.Sleeping &&
		a.Escalations == b.Escalations &&
		a.Pending == b.Pending
}

// PlayTone plays a local clip under the request's QoS.
func (o *Orchestrator) PlayTone(ctx context.Context, req playback.ToneRequest) error {
	return o.tone.Play(ctx, req)
}

// PlayToneInterrupting stops any stream and then plays uri if nothing else
// holds the output.
func (o *Orchestrator) PlayToneInterrupting(ctx context.Context, uri string) error {
	if o.url.Running() {
		if err := o.url.Stop(); err != nil && !errors.Is(err, playback.ErrNotRunning) {
			return err
		}
	}
	return o.tone.Play(ctx, playback.ToneRequest{QoS: playback.QoSDrop, URI: uri})
}

// PlayURL streams uri. It fails with ErrRestricted while the device may
// not play.
func (o *Orchestrator) PlayURL(ctx context.Context, uri string) error {
	if o.deps.Gate != nil && o.deps.Gate.Restricted() {
		return playback.ErrRestricted
	}
	return o.url.Play(ctx, uri)
}

// StopURL stops the stream.
func (o *Orchestrator) StopURL() error { return o.url.Stop() }

// StopTone stops the current clip.
func (o *Orchestrator) StopTone() error { return o.tone.Stop() }

// StartDuplex routes conversational audio to the device.
func (o *Orchestrator) StartDuplex() error {
	if !o.isStarted() {
		return ErrNotStarted
	}
	if err := o.duplex.Run(); err != nil {
		return err
	}
	o.visual(visual.Reply)
	return nil
}

// StopDuplex detaches conversational audio from the device.
func (o *Orchestrator) StopDuplex() error {
	if !o.isStarted() {
		return ErrNotStarted
	}
	return o.duplex.Stop()
}

// DuplexInput returns the writer network feeds push audio into.
func (o *Orchestrator) DuplexInput() io.Writer { return o.duplex.Input() }

// Recorder returns the capture manager, nil without a source.
func (o *Orchestrator) Recorder() *recorder.Manager { return o.recorder }

// TimeoutSignal feeds one output stall signal into the stream watchdog.
func (o *Orchestrator) TimeoutSignal() { o.url.OnTimeoutSignal() }

// SetSleeping switches the sleep policy. Leaving sleep forgets the wake.
func (o *Orchestrator) SetSleeping(v bool) {
	o.deps.Policy.SetSleeping(v)
	if !v {
		o.deps.Policy.SetWoken(false)
	}
}

// Flags returns the shared flags.
func (o *Orchestrator) Flags() *state.Flags { return o.flags }

// Snapshot returns the current status.
func (o *Orchestrator) Snapshot() Status {
	s := Status{
		Flags:       o.flags.Snapshot(),
		Tone:        o.tone.State(),
		URL:         o.url.State(),
		Duplex:      o.duplex.State(),
		Owner:       o.arbiter.Owner(),
		Sleeping:    o.deps.Policy.Sleeping(),
		Escalations: o.url.TriggerCount(),
		Pending:     o.url.Pending(),
		Pipelines:   o.translator.Stats(),
	}
	if o.deps.Gate != nil {
		s.Restricted = o.deps.Gate.Restricted()
	}
	return s
}

func (o *Orchestrator) isStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// Close stops every player, the translator and the supervisor and
// releases the graphs.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		o.wg.Wait()
	}

	var errs []error
	if err := o.duplex.Stop(); err != nil && !errors.Is(err, playback.ErrNotRunning) {
		errs = append(errs, err)
	}
	for _, c := range []io.Closer{o.tone, o.url, o.duplex} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.logger.Info("orchestrator closed")
	return errors.Join(errs...)
}
