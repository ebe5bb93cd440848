// Package opuscodec provides libopus-backed pipeline stages. It needs cgo
// and libopus, so it is kept apart from the rest of the stages.
package opuscodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
)

// maxFrameSamples holds 120ms at 48kHz, the longest opus frame.
const maxFrameSamples = 5760

// Decoder turns opus packets into PCM16 frames.
type Decoder struct {
	format audioio.Format
	logger *slog.Logger

	mu  sync.Mutex
	dec *opus.Decoder

	decodeErrors int
}

// NewDecoder creates a decoder producing f. Opus decodes at 8, 12, 16, 24
// or 48 kHz.
func NewDecoder(f audioio.Format, logger *slog.Logger) (*Decoder, error) {
	dec, err := opus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	f.BitDepth = 16
	return &Decoder{format: f, logger: logger, dec: dec}, nil
}

// Process implements pipeline.Element.
func (d *Decoder) Process(ctx context.Context, p *pipeline.Port) error {
	pcm := make([]int16, maxFrameSamples*d.format.Channels)
	p.ReportFormat(d.format)

	for {
		frame, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		d.mu.Lock()
		n, err := d.dec.Decode(frame.Data, pcm)
		d.mu.Unlock()
		if err != nil {
			d.decodeErrors++
			if d.decodeErrors <= 5 {
				d.logger.Warn("opus decode failed", "error", err, "payload_bytes", len(frame.Data))
			}
			continue
		}

		out := audioio.SamplesToBytes(pcm[:n*d.format.Channels])
		if err := p.Send(ctx, pipeline.Frame{Data: out, Format: d.format}); err != nil {
			return err
		}
	}
}

// Reset replaces the decoder so packet loss concealment starts fresh.
func (d *Decoder) Reset() {
	dec, err := opus.NewDecoder(d.format.SampleRate, d.format.Channels)
	if err != nil {
		d.logger.Warn("opus decoder reset failed", "error", err)
		return
	}
	d.mu.Lock()
	d.dec = dec
	d.decodeErrors = 0
	d.mu.Unlock()
}

// Encoder packs PCM16 frames into opus packets of FrameDuration.
type Encoder struct {
	format        audioio.Format
	frameDuration time.Duration

	mu      sync.Mutex
	enc     *opus.Encoder
	pending []int16
}

// NewEncoder creates a VoIP encoder for f with 20ms packets.
func NewEncoder(f audioio.Format) (*Encoder, error) {
	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	f.BitDepth = 16
	return &Encoder{format: f, frameDuration: 20 * time.Millisecond, enc: enc}, nil
}

func (e *Encoder) frameSamples() int {
	return int(float64(e.format.SampleRate)*e.frameDuration.Seconds()) * e.format.Channels
}

// Process implements pipeline.Element. Input must already be in the
// encoder's format.
func (e *Encoder) Process(ctx context.Context, p *pipeline.Port) error {
	packet := make([]byte, 4000)
	size := e.frameSamples()

	for {
		frame, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		samples := audioio.Convert(audioio.BytesToSamples(frame.Data), frame.Format, e.format)

		e.mu.Lock()
		e.pending = append(e.pending, samples...)
		var packets [][]byte
		for len(e.pending) >= size {
			n, err := e.enc.Encode(e.pending[:size], packet)
			e.pending = e.pending[size:]
			if err != nil {
				e.mu.Unlock()
				return fmt.Errorf("opus encode: %w", err)
			}
			out := make([]byte, n)
			copy(out, packet[:n])
			packets = append(packets, out)
		}
		e.mu.Unlock()

		for _, pkt := range packets {
			if err := p.Send(ctx, pipeline.Frame{Data: pkt}); err != nil {
				return err
			}
		}
	}
}

// Reset drops a partially filled packet.
func (e *Encoder) Reset() {
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
}
