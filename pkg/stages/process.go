package stages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
)

// Resampler converts frames to a fixed output format.
type Resampler struct {
	target audioio.Format
}

// NewResampler creates a resampler producing target.
func NewResampler(target audioio.Format) *Resampler {
	return &Resampler{target: target}
}

// Target returns the output format.
func (r *Resampler) Target() audioio.Format { return r.target }

// Process implements pipeline.Element.
func (r *Resampler) Process(ctx context.Context, p *pipeline.Port) error {
	return transform(ctx, p, func(samples []int16, f audioio.Format) ([]int16, audioio.Format) {
		return audioio.Convert(samples, f, r.target), r.target
	})
}

// transform applies fn to every PCM frame. Frames without a format pass
// through untouched.
func transform(ctx context.Context, p *pipeline.Port, fn func([]int16, audioio.Format) ([]int16, audioio.Format)) error {
	for {
		frame, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !frame.Format.IsZero() {
			samples, f := fn(audioio.BytesToSamples(frame.Data), frame.Format)
			if samples == nil {
				continue
			}
			frame = pipeline.Frame{Data: audioio.SamplesToBytes(samples), Format: f}
		}
		if err := p.Send(ctx, frame); err != nil {
			return err
		}
	}
}

// Canceller removes the device's own playback from microphone audio.
type Canceller interface {
	Cancel(mic []int16, f audioio.Format) []int16
	Reset()
}

// NopCanceller passes audio through unchanged.
type NopCanceller struct{}

func (NopCanceller) Cancel(mic []int16, _ audioio.Format) []int16 { return mic }
func (NopCanceller) Reset()                                       {}

// EchoCanceller runs a Canceller over capture frames.
type EchoCanceller struct {
	c Canceller
}

// NewEchoCanceller wraps c, or NopCanceller when nil.
func NewEchoCanceller(c Canceller) *EchoCanceller {
	if c == nil {
		c = NopCanceller{}
	}
	return &EchoCanceller{c: c}
}

// Process implements pipeline.Element.
func (e *EchoCanceller) Process(ctx context.Context, p *pipeline.Port) error {
	return transform(ctx, p, func(samples []int16, f audioio.Format) ([]int16, audioio.Format) {
		return e.c.Cancel(samples, f), f
	})
}

// Reset clears the canceller state.
func (e *EchoCanceller) Reset() { e.c.Reset() }

// Detector decides whether a frame completes a wake word.
type Detector interface {
	Detect(samples []int16, f audioio.Format) bool
	Reset()
}

// EnergyDetector triggers when Frames consecutive frames exceed Threshold
// RMS. It stands in for a keyword model.
type EnergyDetector struct {
	Threshold float64
	Frames    int

	mu  sync.Mutex
	run int
}

// NewEnergyDetector creates a detector with the given threshold (0-1) and
// frame count.
func NewEnergyDetector(threshold float64, frames int) *EnergyDetector {
	if frames < 1 {
		frames = 1
	}
	return &EnergyDetector{Threshold: threshold, Frames: frames}
}

// Detect implements Detector.
func (d *EnergyDetector) Detect(samples []int16, _ audioio.Format) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if audioio.CalculateRMS(samples) < d.Threshold {
		d.run = 0
		return false
	}
	d.run++
	if d.run >= d.Frames {
		d.run = 0
		return true
	}
	return false
}

// Reset implements Detector.
func (d *EnergyDetector) Reset() {
	d.mu.Lock()
	d.run = 0
	d.mu.Unlock()
}

// WakeDetector forwards capture frames and calls OnWake on detection.
type WakeDetector struct {
	det    Detector
	onWake func()
	logger *slog.Logger
}

// NewWakeDetector creates the stage. onWake may be nil.
func NewWakeDetector(det Detector, onWake func(), logger *slog.Logger) *WakeDetector {
	if det == nil {
		det = NewEnergyDetector(0.3, 10)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeDetector{det: det, onWake: onWake, logger: logger}
}

// Process implements pipeline.Element.
func (w *WakeDetector) Process(ctx context.Context, p *pipeline.Port) error {
	return transform(ctx, p, func(samples []int16, f audioio.Format) ([]int16, audioio.Format) {
		if w.det.Detect(samples, f) {
			w.logger.Info("wake word detected")
			if w.onWake != nil {
				w.onWake()
			}
		}
		return samples, f
	})
}

// Reset clears the detector state.
func (w *WakeDetector) Reset() { w.det.Reset() }
