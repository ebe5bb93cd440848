// Package audioio provides the audio device abstractions shared by every
// pipeline: PCM formats, capture sources and playback sinks.
//
// Backends:
//   - Speaker (pkg/audioio/speaker) - the physical output device via beep
//   - Mock - CI/testing without hardware
//
// Every playback pipeline writes into the same Sink; which pipeline may
// write at a given instant is decided by the output arbiter, not here.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the speaker backend when available.
	BackendAuto Backend = "auto"
	// BackendSpeaker uses the beep speaker for output.
	BackendSpeaker Backend = "speaker"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Format describes interleaved PCM16 audio.
type Format struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
	BitDepth   int `yaml:"bit_depth" json:"bit_depth"`
}

// IsZero reports whether the format is unset (encoded payloads).
func (f Format) IsZero() bool {
	return f.SampleRate == 0 && f.Channels == 0
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitDepth, f.Channels)
}

// BytesPerSecond returns the PCM data rate of the format.
func (f Format) BytesPerSecond() int {
	bits := f.BitDepth
	if bits == 0 {
		bits = 16
	}
	return f.SampleRate * f.Channels * bits / 8
}

// Config holds audio device configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the device sample rate in Hz.
	// Default: 16000, the rate every playback graph resamples to.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of device channels.
	// Default: 2
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of device buffers.
	// Default: 20ms
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the platform-specific device identifier, empty for default.
	Device string `yaml:"device" json:"device"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     16000,
		Channels:       2,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// Format returns the PCM16 format of the device.
func (c Config) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels, BitDepth: 16}
}

// BufferSize returns the number of frames per buffer.
func (c Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
