// Package recorder manages the microphone capture graph.
//
// Wake-word modes run capture through echo cancellation and the wake
// detector before encoding; the other modes encode capture directly. The
// encoded stream is pulled with Read.
package recorder

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/playback"
	"github.com/teslashibe/go-voicebox/pkg/stages"
)

// Mode is the activation mode of a conversation.
type Mode int

const (
	ModeServerVAD Mode = iota
	ModeButton
	ModeButtonWakeup
	ModeServerVADWakeup
)

// WakeWord reports whether the mode listens for a wake word.
func (m Mode) WakeWord() bool {
	return m == ModeButtonWakeup || m == ModeServerVADWakeup
}

func (m Mode) String() string {
	switch m {
	case ModeServerVAD:
		return "server_vad"
	case ModeButton:
		return "button"
	case ModeButtonWakeup:
		return "button_wakeup"
	case ModeServerVADWakeup:
		return "server_vad_wakeup"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the String form of a mode.
func ParseMode(s string) (Mode, error) {
	for m := ModeServerVAD; m <= ModeServerVADWakeup; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("recorder: unknown mode %q", s)
}

// Encoder codecs.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// Element names of the capture graph.
const (
	ElemCapture = "capture"
	ElemAEC     = "aec"
	ElemWake    = "wake"
	ElemEncoder = "enc"
	ElemRaw     = "raw"
)

// Options configures a Manager.
type Options struct {
	// Source is the microphone.
	Source audioio.Source

	// Codec is CodecPCM or CodecOpus.
	Codec string

	// Format is the format handed to the encoder. Capture is converted to it.
	Format audioio.Format

	// NewOpusEncoder builds the opus stage. Required for CodecOpus.
	NewOpusEncoder func(audioio.Format) (pipeline.Element, error)

	// ReadTimeout bounds each Read.
	ReadTimeout time.Duration

	// BufferBytes caps the audio kept for Read.
	BufferBytes int

	// Mute drops capture while it reports true.
	Mute func() bool

	// OnWake is called when the wake detector fires.
	OnWake func()

	Canceller stages.Canceller
	Detector  stages.Detector

	Logger *slog.Logger
}

// DefaultOptions returns PCM at 16kHz mono and a 100ms read timeout.
func DefaultOptions() Options {
	return Options{
		Codec:       CodecPCM,
		Format:      audioio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
		ReadTimeout: 100 * time.Millisecond,
		BufferBytes: 64 * 1024,
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Source == nil {
		return fmt.Errorf("recorder: source required")
	}
	switch o.Codec {
	case CodecPCM:
	case CodecOpus:
		if o.NewOpusEncoder == nil {
			return fmt.Errorf("recorder: opus codec requires an encoder factory")
		}
	default:
		return fmt.Errorf("recorder: unknown codec %q", o.Codec)
	}
	if o.ReadTimeout <= 0 {
		return fmt.Errorf("recorder: read timeout must be positive, got %v", o.ReadTimeout)
	}
	return nil
}

// Handle is an open capture graph.
type Handle struct {
	m     *Manager
	mode  Mode
	graph pipeline.Graph
	out   *stages.RawOutput

	state  playback.State
	closed bool
}

// Mode returns the activation mode the handle was opened with.
func (h *Handle) Mode() Mode { return h.mode }

// Manager opens and drives capture graphs.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a manager.
func New(opts Options) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger.With("component", "recorder")}, nil
}

// Open builds the capture graph for mode. Stages registered before a
// failure are released.
func (m *Manager) Open(mode Mode) (*Handle, error) {
	m.logger.Info("opening capture graph", "mode", mode.String(), "codec", m.opts.Codec)

	g := pipeline.New("recorder", pipeline.WithLogger(m.logger))
	out := stages.NewRawOutput(m.opts.BufferBytes)

	fail := func(op string, err error) (*Handle, error) {
		if derr := g.Deinit(); derr != nil {
			m.logger.Warn("release partial graph failed", "error", derr)
		}
		return nil, &playback.ResourceError{Op: op, Err: err}
	}

	enc, err := m.newEncoder()
	if err != nil {
		return fail("create encoder", err)
	}

	type reg struct {
		name string
		el   pipeline.Element
	}
	regs := []reg{{ElemCapture, stages.NewCaptureReader(m.opts.Source, m.opts.Mute, m.logger)}}
	if mode.WakeWord() {
		regs = append(regs,
			reg{ElemAEC, stages.NewEchoCanceller(m.opts.Canceller)},
			reg{ElemWake, stages.NewWakeDetector(m.opts.Detector, m.opts.OnWake, m.logger)},
		)
	}
	regs = append(regs, reg{ElemEncoder, enc}, reg{ElemRaw, out})

	tags := make([]string, 0, len(regs))
	for _, r := range regs {
		if err := g.Register(r.name, r.el); err != nil {
			return fail("register "+r.name, err)
		}
		tags = append(tags, r.name)
	}
	if err := g.Link(tags...); err != nil {
		return fail("link", err)
	}

	go m.watch(g.Events())
	return &Handle{m: m, mode: mode, graph: g, out: out}, nil
}

// watch logs capture graph events until the graph is released. Nothing
// else reads them, and the graph waits for room to deliver terminal events.
func (m *Manager) watch(events <-chan pipeline.Event) {
	for ev := range events {
		if ev.Kind == pipeline.Error {
			m.logger.Warn("capture graph failed", "element", ev.Element, "error", ev.Err)
			continue
		}
		m.logger.Debug("capture graph event", "kind", ev.Kind.String(), "element", ev.Element)
	}
}

func (m *Manager) newEncoder() (pipeline.Element, error) {
	if m.opts.Codec == CodecOpus {
		return m.opts.NewOpusEncoder(m.opts.Format)
	}
	return stages.NewResampler(m.opts.Format), nil
}

func (m *Manager) check(h *Handle) error {
	if h == nil || h.m != m || h.closed {
		return playback.ErrInvalidHandle
	}
	return nil
}

// Run starts capture. Running an already running handle is a no-op.
func (m *Manager) Run(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(h); err != nil {
		return err
	}
	if h.state == playback.Running {
		return nil
	}
	if err := h.graph.Run(); err != nil {
		return &playback.ResourceError{Op: "run recorder", Err: err}
	}
	h.state = playback.Running
	return nil
}

// Stop stops capture and waits for the graph to drain.
func (m *Manager) Stop(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(h); err != nil {
		return err
	}
	if h.state == playback.Idle {
		return playback.ErrNotRunning
	}
	if err := h.graph.Stop(); err != nil {
		return err
	}
	h.graph.WaitForStop()
	h.state = playback.Idle
	return nil
}

// Close releases the graph. The handle must be stopped first.
func (m *Manager) Close(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(h); err != nil {
		return err
	}
	if h.state == playback.Running {
		return playback.ErrStillRunning
	}
	h.closed = true
	if err := h.graph.Terminate(); err != nil {
		return err
	}
	return h.graph.Deinit()
}

// Read copies captured audio into buf, waiting up to the read timeout. It
// returns 0 and no error when nothing arrived.
func (m *Manager) Read(h *Handle, buf []byte) (int, error) {
	m.mu.Lock()
	if err := m.check(h); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	out := h.out
	m.mu.Unlock()

	return out.Read(buf, m.opts.ReadTimeout), nil
}

// Pause suspends capture without releasing the graph.
func (m *Manager) Pause(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(h); err != nil {
		return err
	}
	return h.graph.Pause()
}

// Resume discards audio buffered before the pause and continues capture.
func (m *Manager) Resume(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(h); err != nil {
		return err
	}
	h.graph.ResetQueues()
	h.graph.ResetStages()
	return h.graph.Resume()
}

// State returns the handle's state.
func (m *Manager) State(h *Handle) playback.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == nil {
		return playback.Idle
	}
	return h.state
}
