package audioio

import (
	"context"
	"io"
)

// AudioChunk represents a chunk of interleaved PCM16 audio.
type AudioChunk struct {
	// Samples contains interleaved PCM16 samples.
	Samples []int16

	// SampleRate is the sample rate of this chunk.
	SampleRate int

	// Channels is the number of channels in this chunk.
	Channels int
}

// ChunkFromBytes builds a chunk from raw little-endian PCM16 bytes.
func ChunkFromBytes(data []byte, f Format) AudioChunk {
	return AudioChunk{
		Samples:    BytesToSamples(data),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// Bytes returns the raw bytes of the audio chunk.
func (c AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// Format returns the chunk format.
func (c AudioChunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels, BitDepth: 16}
}

// Duration returns the duration of this audio chunk in seconds.
func (c AudioChunk) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate*c.Channels)
}

// Source captures audio from a microphone.
type Source interface {
	// Start begins audio capture.
	Start(ctx context.Context) error

	// Stop halts audio capture.
	// It is safe to call Stop multiple times.
	Stop() error

	// Read reads the next audio chunk, blocking if necessary.
	// Returns io.EOF when the source is stopped.
	Read(ctx context.Context) (AudioChunk, error)

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name.
	Name() string

	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	ChunksRead  int64  `json:"chunks_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
