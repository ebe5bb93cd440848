// Package tone plays short local clips such as prompts and chimes.
package tone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/device"
	"github.com/teslashibe/go-voicebox/pkg/output"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/playback"
	"github.com/teslashibe/go-voicebox/pkg/stages"
	"github.com/teslashibe/go-voicebox/pkg/state"
)

// Name identifies the tone player to the arbiter and translator.
const Name = "tone"

// Element names of the tone graph.
const (
	ElemFile      = "tone_file"
	ElemDecoder   = "tone_dec"
	ElemResampler = "tone_rsp"
	ElemOutput    = "tone_out"
)

// URI schemes for local clips.
const (
	SchemeSpiffs = "spiffs://spiffs/"
	SchemeFile   = "file://"
)

// DefaultFallbackURI is played when a local clip does not exist.
const DefaultFallbackURI = SchemeSpiffs + "bo.mp3"

// Options configures a Player.
type Options struct {
	Sink    audioio.Sink
	Arbiter *output.Arbiter
	Flags   *state.Flags

	// Gate blocks playback unless a request allows it. Nil never restricts.
	Gate device.Gate

	// StorageRoot is the directory spiffs:// clips live in.
	StorageRoot string

	// FallbackURI replaces local clips that do not exist.
	FallbackURI string

	// WaitTimeout bounds a QoSWait request, per call.
	WaitTimeout time.Duration

	// PCMFormat describes raw .pcm clips.
	PCMFormat audioio.Format

	Logger *slog.Logger
}

// DefaultOptions returns a two second wait and the bo.mp3 fallback.
func DefaultOptions() Options {
	return Options{
		StorageRoot: "spiffs",
		FallbackURI: DefaultFallbackURI,
		WaitTimeout: 2 * time.Second,
		PCMFormat:   audioio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16},
	}
}

// Player owns the tone graph.
type Player struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	graph  *pipeline.Pipeline
	reader *stages.FileReader
	dec    *stages.ClipDecoder
	state  playback.State
	uri    string
}

// New builds the tone graph.
func New(opts Options) (*Player, error) {
	if opts.Sink == nil || opts.Arbiter == nil || opts.Flags == nil {
		return nil, fmt.Errorf("tone: sink, arbiter and flags required")
	}
	if opts.FallbackURI == "" {
		opts.FallbackURI = DefaultFallbackURI
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", Name)

	g := pipeline.New(Name, pipeline.WithLogger(logger))
	reader := stages.NewFileReader()
	dec := stages.NewClipDecoder(opts.PCMFormat)
	writer := stages.NewDeviceWriter(opts.Sink, stages.DeviceWriterOptions{
		Target: stages.TargetDevice,
		Drain:  true,
		Logger: logger,
	})

	for _, r := range []struct {
		name string
		el   pipeline.Element
	}{
		{ElemFile, reader},
		{ElemDecoder, dec},
		{ElemResampler, stages.NewResampler(opts.Sink.Config().Format())},
		{ElemOutput, writer},
	} {
		if err := g.Register(r.name, r.el); err != nil {
			_ = g.Deinit()
			return nil, &playback.ResourceError{Op: "register " + r.name, Err: err}
		}
	}
	if err := g.Link(ElemFile, ElemDecoder, ElemResampler, ElemOutput); err != nil {
		_ = g.Deinit()
		return nil, &playback.ResourceError{Op: "link", Err: err}
	}

	return &Player{opts: opts, logger: logger, graph: g, reader: reader, dec: dec}, nil
}

// Name implements output.Player.
func (p *Player) Name() string { return Name }

// Play starts a clip according to the request's QoS.
func (p *Player) Play(ctx context.Context, req playback.ToneRequest) error {
	if !req.QoS.Valid() {
		return playback.ErrInvalidQoS
	}
	if !req.AllowWhenRestricted && p.opts.Gate != nil && p.opts.Gate.Restricted() {
		p.logger.Info("tone blocked by device state", "uri", req.URI)
		return playback.ErrRestricted
	}

	switch req.QoS {
	case playback.QoSDrop:
		if p.opts.Flags.Busy() {
			return playback.ErrBusy
		}
	case playback.QoSWait:
		if err := p.waitIdle(ctx); err != nil {
			return err
		}
	case playback.QoSPreempt:
		p.logger.Info("forcing tone", "uri", req.URI)
	}

	path, err := p.Resolve(req.URI)
	if err != nil {
		return err
	}

	p.opts.Arbiter.Claim(Name)

	p.mu.Lock()
	defer p.mu.Unlock()

	// The previous run may still be winding down after its terminal event.
	p.haltLocked()

	p.reader.SetURI(path)
	p.dec.SetCodec(stages.CodecForURI(path))
	if err := p.graph.Run(); err != nil {
		return &playback.ResourceError{Op: "run tone", Err: err}
	}
	p.state = playback.Running
	p.uri = req.URI
	p.opts.Flags.Update(func(s *state.Snapshot) {
		s.TonePlaying = true
		s.LocalFinished = false
	})

	p.logger.Info("tone playing", "uri", req.URI, "path", path, "qos", req.QoS.String())
	return nil
}

func (p *Player) waitIdle(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, p.opts.WaitTimeout)
	defer cancel()

	err := p.opts.Flags.WaitUntil(wctx, func(s state.Snapshot) bool { return !s.Busy() })
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("tone wait timed out", "timeout", p.opts.WaitTimeout)
		return playback.ErrTimeout
	}
	return err
}

// Resolve maps a local clip URI to a file under the storage root,
// substituting the fallback clip when it does not exist or lies outside the
// root.
func (p *Player) Resolve(uri string) (string, error) {
	path, ok := p.localPath(uri)
	if !ok {
		return "", &playback.ResourceError{Op: "resolve " + uri, Err: fmt.Errorf("not a local clip")}
	}
	switch {
	case !p.underRoot(path):
		p.logger.Warn("clip outside storage root, using fallback", "uri", uri, "fallback", p.opts.FallbackURI)
	case isFile(path):
		return path, nil
	default:
		p.logger.Warn("clip not found, using fallback", "uri", uri, "fallback", p.opts.FallbackURI)
	}

	fallback, _ := p.localPath(p.opts.FallbackURI)
	return fallback, nil
}

// localPath maps uri to a cleaned file path. spiffs:// names and relative
// paths are taken relative to the storage root.
func (p *Player) localPath(uri string) (string, bool) {
	var name string
	switch {
	case strings.HasPrefix(uri, SchemeSpiffs):
		name = strings.TrimLeft(strings.TrimPrefix(uri, SchemeSpiffs), "/")
	case strings.HasPrefix(uri, SchemeFile):
		name = strings.TrimPrefix(uri, SchemeFile)
	case strings.Contains(uri, "://"):
		return "", false
	default:
		name = uri
	}

	path := filepath.FromSlash(name)
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.opts.StorageRoot, path)
	}
	return filepath.Clean(path), true
}

// underRoot reports whether path lies inside the storage root.
func (p *Player) underRoot(path string) bool {
	root, err := filepath.Abs(p.opts.StorageRoot)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Stop halts the current clip.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == playback.Idle {
		return playback.ErrNotRunning
	}
	p.haltLocked()
	p.state = playback.Idle
	p.opts.Flags.SetTonePlaying(false)
	p.logger.Debug("tone stopped", "uri", p.uri)
	return nil
}

func (p *Player) haltLocked() {
	_ = p.graph.Stop()
	p.graph.WaitForStop()
	p.graph.ResetQueues()
	p.graph.ResetStages()
}

// Complete handles a terminal event from the output stage. It reports
// whether the event belongs to the current run; stale events from a run
// that was replaced are ignored.
func (p *Player) Complete(ev pipeline.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Seq != p.graph.Seq() {
		return false
	}
	p.state = playback.Idle
	p.opts.Flags.Update(func(s *state.Snapshot) {
		s.TonePlaying = false
		s.LocalFinished = true
	})
	p.logger.Debug("tone finished", "uri", p.uri, "kind", ev.Kind.String())
	return true
}

// OnFormat handles FormatDiscovered from the decoder.
func (p *Player) OnFormat(ev pipeline.Event) {
	if ev.Seq != p.graph.Seq() {
		return
	}
	p.opts.Flags.SetLocalFinished(false)
}

// Busy reports whether a tone or a stream holds the output.
func (p *Player) Busy() bool { return p.opts.Flags.Busy() }

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

// Close stops playback and releases the graph.
func (p *Player) Close() error {
	_ = p.Stop()
	return p.graph.Deinit()
}
