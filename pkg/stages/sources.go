// Package stages holds the pipeline elements the audio managers are built
// from.
package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-voicebox/internal/httpc"
	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
)

// ReadChunkSize is the payload size emitted by file and HTTP readers.
const ReadChunkSize = 4096

// uriHolder stores the source location between runs.
type uriHolder struct {
	mu  sync.Mutex
	uri string
}

// SetURI sets the location read by the next run.
func (h *uriHolder) SetURI(uri string) {
	h.mu.Lock()
	h.uri = uri
	h.mu.Unlock()
}

// URI returns the current location.
func (h *uriHolder) URI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uri
}

// FileReader streams a local file.
type FileReader struct {
	uriHolder
}

// NewFileReader creates a reader with no file set.
func NewFileReader() *FileReader { return &FileReader{} }

// Process implements pipeline.Element. The URI is a filesystem path.
func (r *FileReader) Process(ctx context.Context, p *pipeline.Port) error {
	path := r.URI()
	if path == "" {
		return ErrNoURI
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return pump(ctx, p, f)
}

// HTTPReader streams an HTTP(S) resource.
type HTTPReader struct {
	uriHolder
	client *http.Client

	offset atomic.Int64
	pos    atomic.Int64
}

// NewHTTPReader creates a reader using client, or httpc.Stream when nil.
func NewHTTPReader(client *http.Client) *HTTPReader {
	if client == nil {
		client = httpc.Stream
	}
	return &HTTPReader{client: client}
}

// Process implements pipeline.Element.
func (r *HTTPReader) Process(ctx context.Context, p *pipeline.Port) error {
	uri := r.URI()
	if uri == "" {
		return ErrNoURI
	}

	off := r.offset.Load()
	r.pos.Store(off)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if off > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{URI: uri, StatusCode: resp.StatusCode}
	}

	// Servers without range support answer 200 with the whole body.
	if off > 0 && resp.StatusCode != http.StatusPartialContent {
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return fmt.Errorf("skip to offset %d: %w", off, err)
		}
	}

	return pump(ctx, p, &countingReader{r: resp.Body, n: &r.pos})
}

// SetOffset makes the next run start off bytes into the resource.
func (r *HTTPReader) SetOffset(off int64) {
	if off < 0 {
		off = 0
	}
	r.offset.Store(off)
}

// Position returns the resource offset of the last byte handed downstream.
func (r *HTTPReader) Position() int64 { return r.pos.Load() }

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n.Add(int64(n))
	return n, err
}

func pump(ctx context.Context, p *pipeline.Port, r io.Reader) error {
	for {
		buf := make([]byte, ReadChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			if serr := p.Send(ctx, pipeline.Frame{Data: buf[:n]}); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// RawInput is the entry point for audio pushed by the network layer. It
// accepts writes whether or not the graph is running and hands them to the
// graph in order.
type RawInput struct {
	format audioio.Format

	queue chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewRawInput creates an input buffering up to depth writes. format is
// attached to every frame; zero for encoded payloads.
func NewRawInput(depth int, format audioio.Format) *RawInput {
	if depth < 1 {
		depth = 1
	}
	return &RawInput{
		format: format,
		queue:  make(chan []byte, depth),
		done:   make(chan struct{}),
	}
}

// Write queues a copy of b. It blocks while the queue is full.
func (r *RawInput) Write(b []byte) (int, error) {
	buf := make([]byte, len(b))
	copy(buf, b)

	select {
	case <-r.done:
		return 0, ErrClosed
	case r.queue <- buf:
		return len(b), nil
	}
}

// TryWrite queues a copy of b without blocking and reports whether there
// was room.
func (r *RawInput) TryWrite(b []byte) bool {
	buf := make([]byte, len(b))
	copy(buf, b)

	select {
	case <-r.done:
		return false
	case r.queue <- buf:
		return true
	default:
		return false
	}
}

// Process implements pipeline.Element.
func (r *RawInput) Process(ctx context.Context, p *pipeline.Port) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-r.queue:
			if err := p.Send(ctx, pipeline.Frame{Data: data, Format: r.format}); err != nil {
				return err
			}
		}
	}
}

// Flush discards queued writes.
func (r *RawInput) Flush() {
	for {
		select {
		case <-r.queue:
		default:
			return
		}
	}
}

// Close rejects further writes and releases blocked writers.
func (r *RawInput) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.Flush()
	return nil
}

// CaptureReader pulls microphone chunks from an audioio.Source.
type CaptureReader struct {
	src    audioio.Source
	mute   func() bool
	logger *slog.Logger
}

// NewCaptureReader wraps src. While mute reports true, captured audio is
// dropped.
func NewCaptureReader(src audioio.Source, mute func() bool, logger *slog.Logger) *CaptureReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureReader{src: src, mute: mute, logger: logger}
}

// Process implements pipeline.Element.
func (c *CaptureReader) Process(ctx context.Context, p *pipeline.Port) error {
	if err := c.src.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer c.src.Stop()

	p.ReportFormat(c.src.Config().Format())

	for {
		chunk, err := c.src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if c.mute != nil && c.mute() {
			continue
		}
		if err := p.Send(ctx, pipeline.Frame{Data: chunk.Bytes(), Format: chunk.Format()}); err != nil {
			return err
		}
	}
}
