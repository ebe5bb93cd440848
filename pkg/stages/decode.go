package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
)

// Clip codecs understood by ClipDecoder.
const (
	CodecMP3 = "mp3"
	CodecWAV = "wav"
	CodecPCM = "pcm"
)

// CodecForURI picks a clip codec from the resource extension. Unknown
// extensions are treated as MP3.
func CodecForURI(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	switch strings.ToLower(path.Ext(uri)) {
	case ".wav":
		return CodecWAV
	case ".pcm", ".raw":
		return CodecPCM
	default:
		return CodecMP3
	}
}

// ClipDecoder turns an encoded clip into PCM16 frames. The codec is chosen
// per run with SetCodec.
type ClipDecoder struct {
	pcmFormat audioio.Format
	frames    int

	mu    sync.Mutex
	codec string
}

// NewClipDecoder creates a decoder. pcmFormat describes raw .pcm clips.
func NewClipDecoder(pcmFormat audioio.Format) *ClipDecoder {
	return &ClipDecoder{pcmFormat: pcmFormat, frames: 1024, codec: CodecMP3}
}

// SetCodec selects the codec used by the next run.
func (d *ClipDecoder) SetCodec(codec string) {
	d.mu.Lock()
	d.codec = codec
	d.mu.Unlock()
}

// Codec returns the selected codec.
func (d *ClipDecoder) Codec() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codec
}

// Process implements pipeline.Element.
func (d *ClipDecoder) Process(ctx context.Context, p *pipeline.Port) error {
	r := &portReader{ctx: ctx, p: p}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch d.Codec() {
	case CodecPCM:
		return passthrough(ctx, p, d.pcmFormat)
	case CodecWAV:
		s, format, err = wav.Decode(r)
	default:
		s, format, err = mp3.Decode(r)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("decode %s: %w", d.Codec(), err)
	}
	defer s.Close()

	out := audioio.Format{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		BitDepth:   16,
	}
	p.ReportFormat(out)

	buf := make([][2]float64, d.frames)
	for {
		n, ok := s.Stream(buf)
		if n > 0 {
			samples := framesToPCM(buf[:n], out.Channels)
			if err := p.Send(ctx, pipeline.Frame{Data: audioio.SamplesToBytes(samples), Format: out}); err != nil {
				return err
			}
		}
		if !ok {
			if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("decode %s: %w", d.Codec(), err)
			}
			return nil
		}
	}
}

// framesToPCM converts beep's float frames to interleaved PCM16.
func framesToPCM(frames [][2]float64, channels int) []int16 {
	if channels != 1 {
		channels = 2
	}
	out := make([]int16, 0, len(frames)*channels)
	for _, f := range frames {
		out = append(out, toInt16(f[0]))
		if channels == 2 {
			out = append(out, toInt16(f[1]))
		}
	}
	return out
}

func toInt16(v float64) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	default:
		return int16(v * 32767)
	}
}

// portReader exposes upstream frames as a byte stream.
type portReader struct {
	ctx context.Context
	p   *pipeline.Port
	buf []byte
}

func (r *portReader) Read(b []byte) (int, error) {
	for len(r.buf) == 0 {
		f, err := r.p.Recv(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf = f.Data
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *portReader) Close() error { return nil }

// PCM forwards raw PCM16 frames, stamping them with its format when they
// arrive without one.
type PCM struct {
	format audioio.Format
}

// NewPCM creates a passthrough stage for f.
func NewPCM(f audioio.Format) *PCM { return &PCM{format: f} }

// Process implements pipeline.Element.
func (s *PCM) Process(ctx context.Context, p *pipeline.Port) error {
	return passthrough(ctx, p, s.format)
}

func passthrough(ctx context.Context, p *pipeline.Port, f audioio.Format) error {
	reported := false
	for {
		frame, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if frame.Format.IsZero() {
			frame.Format = f
		}
		if !reported {
			p.ReportFormat(frame.Format)
			reported = true
		}
		if err := p.Send(ctx, frame); err != nil {
			return err
		}
	}
}
