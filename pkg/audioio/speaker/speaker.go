// Package speaker is the beep-backed output device. Importing it registers
// the "speaker" backend with audioio.NewSink.
package speaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
)

func init() {
	audioio.RegisterSink(audioio.BackendSpeaker, func(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error) {
		return New(cfg, logger), nil
	})
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("speaker: closed")

// maxQueuedSeconds bounds the frames buffered ahead of the device (2s).
const maxQueuedSeconds = 2

// Sink plays PCM16 chunks through the default output device.
type Sink struct {
	cfg    audioio.Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][2]float64
	running bool
	closed  bool

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	underruns      atomic.Int64
}

// New creates a speaker sink. The device is opened by Start.
func New(cfg audioio.Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{cfg: cfg, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start initialises the speaker and begins pulling queued frames.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	sr := beep.SampleRate(s.cfg.SampleRate)
	if err := speaker.Init(sr, sr.N(s.cfg.BufferDuration*5)); err != nil {
		return err
	}
	speaker.Play(streamer{s})
	s.running = true

	s.logger.Info("speaker started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
	)
	return nil
}

// Stop halts playback and drops anything queued.
func (s *Sink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.queue = s.queue[:0]
	s.cond.Broadcast()
	s.mu.Unlock()

	speaker.Clear()
	return nil
}

// Write queues a chunk, blocking while more than two seconds are pending.
func (s *Sink) Write(ctx context.Context, chunk audioio.AudioChunk) error {
	frames := toFrames(audioio.Convert(chunk.Samples, chunk.Format(), s.cfg.Format()), s.cfg.Channels)
	limit := s.cfg.SampleRate * maxQueuedSeconds

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.running && len(s.queue) > limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.waitLocked(ctx)
	}
	if s.closed || !s.running {
		return ErrClosed
	}

	s.queue = append(s.queue, frames...)
	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(chunk.Samples)))
	return nil
}

// Flush waits until every queued frame has been handed to the device.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.running && len(s.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.waitLocked(ctx)
	}
	return nil
}

// waitLocked waits for a queue change, waking periodically so a cancelled
// context is noticed.
func (s *Sink) waitLocked(ctx context.Context) {
	t := time.AfterFunc(s.cfg.BufferDuration, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	t.Stop()
}

// Clear discards queued audio immediately.
func (s *Sink) Clear() error {
	s.mu.Lock()
	s.queue = s.queue[:0]
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Config returns the device configuration.
func (s *Sink) Config() audioio.Config { return s.cfg }

// Name returns "speaker".
func (s *Sink) Name() string { return string(audioio.BackendSpeaker) }

// Close stops playback and releases the device.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.Stop(); err != nil {
		return err
	}
	speaker.Close()
	return nil
}

// Stats returns sink statistics.
func (s *Sink) Stats() audioio.SinkStats {
	s.mu.Lock()
	running := s.running
	buffered := int64(len(s.queue) * s.cfg.Channels)
	s.mu.Unlock()

	return audioio.SinkStats{
		ChunksWritten:   s.chunksWritten.Load(),
		SamplesWritten:  s.samplesWritten.Load(),
		Underruns:       s.underruns.Load(),
		Running:         running,
		Backend:         s.Name(),
		BufferedSamples: buffered,
	}
}

var _ audioio.SinkWithStats = (*Sink)(nil)

// streamer feeds the speaker from the queue, padding with silence so the
// device never drains.
type streamer struct{ s *Sink }

func (st streamer) Stream(samples [][2]float64) (int, bool) {
	s := st.s
	s.mu.Lock()
	n := copy(samples, s.queue)
	s.queue = s.queue[n:]
	if n > 0 {
		s.cond.Broadcast()
	} else if s.running {
		s.underruns.Add(1)
	}
	s.mu.Unlock()

	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	return len(samples), true
}

func (st streamer) Err() error { return nil }

func toFrames(samples []int16, channels int) [][2]float64 {
	if channels < 1 {
		channels = 1
	}
	frames := make([][2]float64, len(samples)/channels)
	for i := range frames {
		l := float64(samples[i*channels]) / 32768
		r := l
		if channels > 1 {
			r = float64(samples[i*channels+1]) / 32768
		}
		frames[i] = [2]float64{l, r}
	}
	return frames
}
