package stages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
)

// Target selects where a DeviceWriter sends audio.
type Target int32

const (
	// TargetDiscard drops every frame.
	TargetDiscard Target = iota
	// TargetDevice writes to the shared output device.
	TargetDevice
)

func (t Target) String() string {
	if t == TargetDevice {
		return "device"
	}
	return "discard"
}

// DeviceWriterOptions configures a DeviceWriter.
type DeviceWriterOptions struct {
	// Target is the initial target.
	Target Target

	// StallAfter enables the stall detector: while the writer targets the
	// device and receives nothing for this long, OnStall is called, and
	// again every StallAfter until data arrives.
	StallAfter time.Duration
	OnStall    func()

	// Drain waits for the device to play queued audio before a natural
	// finish is reported.
	Drain bool

	Logger *slog.Logger
}

// DeviceWriter is the terminal stage of every playback graph.
type DeviceWriter struct {
	sink audioio.Sink
	opts DeviceWriterOptions

	target    atomic.Int32
	lastWrite atomic.Int64
	port      atomic.Pointer[pipeline.Port]
	logger    *slog.Logger
}

// NewDeviceWriter creates a writer for sink.
func NewDeviceWriter(sink audioio.Sink, opts DeviceWriterOptions) *DeviceWriter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &DeviceWriter{sink: sink, opts: opts, logger: opts.Logger}
	w.target.Store(int32(opts.Target))
	return w
}

// Target returns the current target.
func (w *DeviceWriter) Target() Target { return Target(w.target.Load()) }

// SetTarget rewires the writer. Detaching from the device drops audio
// already queued on it and reports Stopped for the current run.
func (w *DeviceWriter) SetTarget(t Target) {
	old := Target(w.target.Swap(int32(t)))
	if old == t {
		return
	}
	w.lastWrite.Store(time.Now().UnixNano())

	if t == TargetDiscard {
		if err := w.sink.Clear(); err != nil {
			w.logger.Warn("clear output failed", "error", err)
		}
		if p := w.port.Load(); p != nil {
			p.Report(pipeline.Stopped)
		}
	}
}

// Process implements pipeline.Element.
func (w *DeviceWriter) Process(ctx context.Context, p *pipeline.Port) error {
	w.port.Store(p)
	defer w.port.Store(nil)
	w.lastWrite.Store(time.Now().UnixNano())

	if w.opts.StallAfter > 0 && w.opts.OnStall != nil {
		stallCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.watchStall(stallCtx)
		}()
		defer wg.Wait()
		defer cancel()
	}

	for {
		frame, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			if w.opts.Drain && w.Target() == TargetDevice {
				if err := w.sink.Flush(ctx); err != nil {
					return err
				}
			}
			return nil
		}
		if err != nil {
			return err
		}

		w.lastWrite.Store(time.Now().UnixNano())
		if w.Target() != TargetDevice || frame.Format.IsZero() {
			continue
		}
		if err := w.sink.Write(ctx, audioio.ChunkFromBytes(frame.Data, frame.Format)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (w *DeviceWriter) watchStall(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StallAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if w.Target() != TargetDevice {
				continue
			}
			idle := now.Sub(time.Unix(0, w.lastWrite.Load()))
			if idle >= w.opts.StallAfter {
				w.logger.Debug("output stalled", "idle", idle)
				w.opts.OnStall()
			}
		}
	}
}

// RawOutput is the terminal stage of the capture graph. It buffers frames
// for a pull-based reader.
type RawOutput struct {
	limit int

	mu     sync.Mutex
	buf    []byte
	notify chan struct{}
}

// NewRawOutput creates an output holding at most limit bytes; the oldest
// audio is dropped beyond that.
func NewRawOutput(limit int) *RawOutput {
	if limit < 1 {
		limit = 64 * 1024
	}
	return &RawOutput{limit: limit, notify: make(chan struct{}, 1)}
}

// Process implements pipeline.Element.
func (o *RawOutput) Process(ctx context.Context, p *pipeline.Port) error {
	for {
		frame, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		o.mu.Lock()
		o.buf = append(o.buf, frame.Data...)
		if over := len(o.buf) - o.limit; over > 0 {
			o.buf = o.buf[over:]
		}
		o.mu.Unlock()

		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
}

// Read copies buffered audio into b, waiting up to timeout for data. It
// returns 0 when nothing arrived in time.
func (o *RawOutput) Read(b []byte, timeout time.Duration) int {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		o.mu.Lock()
		if len(o.buf) > 0 {
			n := copy(b, o.buf)
			o.buf = o.buf[n:]
			o.mu.Unlock()
			return n
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-timer.C:
			return 0
		}
	}
}

// Buffered returns the number of bytes waiting to be read.
func (o *RawOutput) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// Flush empties the buffer.
func (o *RawOutput) Flush() {
	o.mu.Lock()
	o.buf = nil
	o.mu.Unlock()
}
