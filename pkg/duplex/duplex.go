// Package duplex manages the conversational playback graph.
//
// The graph is started once by Open and keeps running for the life of the
// manager so that network audio never backs up. Run and Stop only move the
// output stage between the device and a discard target.
package duplex

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/output"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/playback"
	"github.com/teslashibe/go-voicebox/pkg/stages"
)

// Name identifies the duplex player to the arbiter and translator.
const Name = "duplex"

// Element names of the playback graph.
const (
	ElemRaw       = "player_raw"
	ElemDecoder   = "player_dec"
	ElemResampler = "player_rsp"
	ElemOutput    = "player_out"
)

// Options configures a Manager.
type Options struct {
	// Sink is the shared output device.
	Sink audioio.Sink

	// Arbiter is claimed by Run.
	Arbiter *output.Arbiter

	// Codec is "pcm" or "opus".
	Codec string

	// InputFormat is the format of incoming PCM, or the opus decode format.
	InputFormat audioio.Format

	// NewOpusDecoder builds the opus stage. Required for the opus codec.
	NewOpusDecoder func(audioio.Format) (pipeline.Element, error)

	// InputDepth is the number of network writes buffered before Write
	// blocks.
	InputDepth int

	Logger *slog.Logger
}

// DefaultOptions returns PCM input at 16kHz mono.
func DefaultOptions() Options {
	return Options{
		Codec:       "pcm",
		InputFormat: audioio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
		InputDepth:  64,
	}
}

// Manager drives the duplex playback graph.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	graph  *pipeline.Pipeline
	input  *stages.RawInput
	writer *stages.DeviceWriter
	state  playback.State
}

// New creates a manager. Call Open before Run.
func New(opts Options) (*Manager, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("duplex: sink required")
	}
	if opts.Arbiter == nil {
		return nil, fmt.Errorf("duplex: arbiter required")
	}
	if opts.Codec == "opus" && opts.NewOpusDecoder == nil {
		return nil, fmt.Errorf("duplex: opus codec requires a decoder factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger.With("component", Name)}, nil
}

// Name implements output.Player.
func (m *Manager) Name() string { return Name }

// Open builds the graph and starts it with the output discarded.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graph != nil {
		return nil
	}

	g := pipeline.New(Name, pipeline.WithLogger(m.logger))
	fail := func(op string, err error) error {
		if derr := g.Deinit(); derr != nil {
			m.logger.Warn("release partial graph failed", "error", derr)
		}
		return &playback.ResourceError{Op: op, Err: err}
	}

	var dec pipeline.Element
	if m.opts.Codec == "opus" {
		var err error
		if dec, err = m.opts.NewOpusDecoder(m.opts.InputFormat); err != nil {
			return fail("create decoder", err)
		}
	} else {
		dec = stages.NewPCM(m.opts.InputFormat)
	}

	inputFormat := m.opts.InputFormat
	if m.opts.Codec == "opus" {
		inputFormat = audioio.Format{}
	}
	input := stages.NewRawInput(m.opts.InputDepth, inputFormat)
	writer := stages.NewDeviceWriter(m.opts.Sink, stages.DeviceWriterOptions{
		Target: stages.TargetDiscard,
		Logger: m.logger,
	})

	for _, r := range []struct {
		name string
		el   pipeline.Element
	}{
		{ElemRaw, input},
		{ElemDecoder, dec},
		{ElemResampler, stages.NewResampler(m.opts.Sink.Config().Format())},
		{ElemOutput, writer},
	} {
		if err := g.Register(r.name, r.el); err != nil {
			return fail("register "+r.name, err)
		}
	}
	if err := g.Link(ElemRaw, ElemDecoder, ElemResampler, ElemOutput); err != nil {
		return fail("link", err)
	}
	if err := g.Run(); err != nil {
		return fail("run", err)
	}

	m.graph, m.input, m.writer = g, input, writer
	m.state = playback.Idle
	m.logger.Info("duplex graph running", "codec", m.opts.Codec, "input", m.opts.InputFormat.String())
	return nil
}

// Run routes the graph to the device. Running an already running player
// changes nothing.
func (m *Manager) Run() error {
	if m.Running() {
		return nil
	}
	m.opts.Arbiter.Claim(Name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graph == nil {
		return playback.ErrInvalidHandle
	}
	if m.state == playback.Running {
		return nil
	}
	m.writer.SetTarget(stages.TargetDevice)
	m.state = playback.Running
	m.logger.Debug("duplex output active")
	return nil
}

// Stop routes the graph to discard and drops everything queued.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graph == nil || m.state == playback.Idle {
		return playback.ErrNotRunning
	}
	m.writer.SetTarget(stages.TargetDiscard)
	m.graph.ResetQueues()
	m.state = playback.Idle
	m.logger.Debug("duplex output discarded")
	return nil
}

// Complete handles a terminal event from the output stage and reports
// whether it belongs to the current run.
func (m *Manager) Complete(ev pipeline.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graph == nil || ev.Seq != m.graph.Seq() {
		return false
	}
	if m.state == playback.Running && m.graph.Status() != pipeline.StatusRunning {
		// The graph itself ended; nothing will reach the device.
		m.writer.SetTarget(stages.TargetDiscard)
		m.state = playback.Idle
	}
	return true
}

// Close releases the graph. The player must be stopped first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == playback.Running {
		return playback.ErrStillRunning
	}
	if m.graph == nil {
		return nil
	}
	err := m.graph.Deinit()
	m.graph, m.input, m.writer = nil, nil, nil
	return err
}

// Input returns the writer the network layer feeds. It is nil before Open.
func (m *Manager) Input() io.Writer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.input == nil {
		return nil
	}
	return m.input
}

// State returns the player state.
func (m *Manager) State() playback.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running implements output.Player.
func (m *Manager) Running() bool { return m.State() == playback.Running }

// Events returns the graph's event channel, nil before Open.
func (m *Manager) Events() <-chan pipeline.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graph == nil {
		return nil
	}
	return m.graph.Events()
}
