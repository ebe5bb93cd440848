package pipeline

import (
	"context"
	"io"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
)

// Frame is one buffer travelling between elements. Format is zero for
// encoded payloads.
type Frame struct {
	Data   []byte
	Format audioio.Format
}

// Port is an element's connection to its neighbours for one run.
type Port struct {
	name string
	seq  uint64
	p    *Pipeline
	in   <-chan Frame
	out  chan<- Frame
}

// Name returns the element name.
func (pt *Port) Name() string { return pt.name }

// Seq returns the run sequence number.
func (pt *Port) Seq() uint64 { return pt.seq }

// Recv returns the next frame from upstream. It returns io.EOF once the
// upstream element has finished, and immediately for the first element.
func (pt *Port) Recv(ctx context.Context) (Frame, error) {
	if pt.in == nil {
		return Frame{}, io.EOF
	}
	if err := pt.p.waitResumed(ctx); err != nil {
		return Frame{}, err
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f, ok := <-pt.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	}
}

// Send passes a frame downstream. Frames sent by the last element are
// dropped.
func (pt *Port) Send(ctx context.Context, f Frame) error {
	if pt.out == nil {
		return nil
	}
	if err := pt.p.waitResumed(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case pt.out <- f:
		return nil
	}
}

// ReportFormat emits FormatDiscovered for this element.
func (pt *Port) ReportFormat(f audioio.Format) {
	pt.p.emit(Event{Kind: FormatDiscovered, Element: pt.name, Seq: pt.seq, Format: f})
}

// Report emits an event of the given kind for this element outside of its
// normal exit, e.g. a writer detaching from the device.
func (pt *Port) Report(kind EventKind) {
	pt.p.emit(Event{Kind: kind, Element: pt.name, Seq: pt.seq})
}
