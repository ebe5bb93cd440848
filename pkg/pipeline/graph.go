// Package pipeline runs chains of audio processing elements.
//
// Each element of a linked chain runs in its own goroutine and talks to its
// neighbours through bounded channels. Lifecycle changes and element exits
// are reported on the graph's event channel so the owner can keep its own
// state in step without callbacks.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Element is one processing stage.
//
// Process runs until the element has nothing left to do (return nil), the
// context is cancelled (return ctx.Err()), or it fails.
type Element interface {
	Process(ctx context.Context, p *Port) error
}

// ElementFunc adapts a function to Element.
type ElementFunc func(ctx context.Context, p *Port) error

// Process calls f.
func (f ElementFunc) Process(ctx context.Context, p *Port) error { return f(ctx, p) }

// Resetter is implemented by elements with state cleared by ResetStages.
type Resetter interface {
	Reset()
}

// Flusher is implemented by elements with internal buffers emptied by
// ResetQueues.
type Flusher interface {
	Flush()
}

// Status is the lifecycle state of a graph.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPaused
	StatusStopped
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Graph is the capability the playback managers consume.
type Graph interface {
	Register(name string, el Element) error
	Unregister(name string) error
	Link(tags ...string) error
	Run() error
	Stop() error
	WaitForStop()
	Terminate() error
	ResetQueues()
	ResetStages()
	Pause() error
	Resume() error
	Deinit() error
	Events() <-chan Event
	Seq() uint64
	Status() Status
	Name() string
}

// Options configures a Pipeline.
type Options struct {
	// QueueSize is the capacity of each inter-element channel.
	QueueSize int

	// EventBuffer is the capacity of the event channel. When it is full,
	// FormatDiscovered events are dropped and the others wait for room
	// until the graph is deinitialized.
	EventBuffer int

	Logger *slog.Logger
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{
		QueueSize:   16,
		EventBuffer: 64,
	}
}

// Option modifies Options.
type Option func(*Options)

// WithQueueSize sets the inter-element channel capacity.
func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *Options) { o.EventBuffer = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// run is the bookkeeping of one Run call.
type run struct {
	id     string
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
	queues []chan Frame

	failed atomic.Bool
}

// Pipeline is the in-process Graph implementation.
type Pipeline struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	elements map[string]Element
	order    []string
	current  *run
	status   Status
	deinit   bool

	seq atomic.Uint64

	pauseMu sync.Mutex
	resumed chan struct{} // closed while not paused

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
	quit         chan struct{}
	quitOnce     sync.Once
}

var _ Graph = (*Pipeline)(nil)

// New creates an empty graph.
func New(name string, opts ...Option) *Pipeline {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.QueueSize < 1 {
		o.QueueSize = 1
	}
	if o.EventBuffer < 1 {
		o.EventBuffer = 1
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resumed := make(chan struct{})
	close(resumed)

	return &Pipeline{
		name:     name,
		opts:     o,
		logger:   logger.With("pipeline", name),
		elements: make(map[string]Element),
		resumed:  resumed,
		events:   make(chan Event, o.EventBuffer),
		quit:     make(chan struct{}),
	}
}

// Name returns the graph name.
func (p *Pipeline) Name() string { return p.name }

// Events returns the event channel. It is closed by Deinit.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Seq returns the sequence number of the latest Run, starting at 1.
func (p *Pipeline) Seq() uint64 { return p.seq.Load() }

// Status returns the lifecycle state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Register adds a named element.
func (p *Pipeline) Register(name string, el Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deinit {
		return ErrDeinitialized
	}
	if p.current != nil {
		return ErrRunning
	}
	if _, ok := p.elements[name]; ok {
		return ErrDuplicateElement
	}
	p.elements[name] = el
	return nil
}

// Unregister removes an element, unlinking it and closing it if it is an
// io.Closer.
func (p *Pipeline) Unregister(name string) error {
	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return ErrRunning
	}
	el, ok := p.elements[name]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownElement
	}
	delete(p.elements, name)
	if slices.Contains(p.order, name) {
		p.order = nil
	}
	p.mu.Unlock()

	if c, ok := el.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Link sets the processing order. Every tag must be registered.
func (p *Pipeline) Link(tags ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deinit {
		return ErrDeinitialized
	}
	if p.current != nil {
		return ErrRunning
	}
	if len(tags) == 0 {
		return ErrNotLinked
	}
	for _, tag := range tags {
		if _, ok := p.elements[tag]; !ok {
			return ErrUnknownElement
		}
	}
	p.order = append([]string(nil), tags...)
	return nil
}

// Run starts every linked element.
func (p *Pipeline) Run() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deinit {
		return ErrDeinitialized
	}
	if p.current != nil {
		return ErrAlreadyRunning
	}
	if len(p.order) == 0 {
		return ErrNotLinked
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:     uuid.NewString(),
		seq:    p.seq.Add(1),
		cancel: cancel,
		done:   make(chan struct{}),
		queues: make([]chan Frame, len(p.order)-1),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Frame, p.opts.QueueSize)
	}

	var wg sync.WaitGroup
	for i, name := range p.order {
		port := &Port{name: name, seq: r.seq, p: p}
		if i > 0 {
			port.in = r.queues[i-1]
		}
		if i < len(r.queues) {
			port.out = r.queues[i]
		}
		wg.Add(1)
		go p.runElement(ctx, r, p.elements[name], port, &wg)
	}

	go func() {
		wg.Wait()
		p.finish(r, ctx.Err() != nil)
	}()

	p.current = r
	p.status = StatusRunning
	p.logger.Debug("pipeline started", "seq", r.seq, "run_id", r.id, "elements", len(p.order))
	return nil
}

func (p *Pipeline) runElement(ctx context.Context, r *run, el Element, port *Port, wg *sync.WaitGroup) {
	defer wg.Done()

	err := el.Process(ctx, port)

	// The error is reported and the run cancelled before downstream sees
	// end of stream, so Error precedes every terminal event of the run.
	failed := err != nil && ctx.Err() == nil
	if failed {
		r.failed.Store(true)
		p.logger.Warn("element failed", "element", port.name, "seq", r.seq, "error", err)
		p.emit(Event{
			Kind:    Error,
			Element: port.name,
			Seq:     r.seq,
			Err:     &ElementError{Graph: p.name, Element: port.name, Err: err},
		})
		r.cancel()
	}
	if port.out != nil {
		close(port.out)
	}

	switch {
	case failed:
	case err == nil:
		p.emit(Event{Kind: Finished, Element: port.name, Seq: r.seq})
	case errors.Is(err, ctx.Err()):
		p.emit(Event{Kind: Stopped, Element: port.name, Seq: r.seq})
	default:
		// Failure while shutting down counts as a stop.
		p.logger.Debug("element error during stop", "element", port.name, "error", err)
		p.emit(Event{Kind: Stopped, Element: port.name, Seq: r.seq})
	}
}

func (p *Pipeline) finish(r *run, cancelled bool) {
	r.cancel()

	p.mu.Lock()
	if p.current == r {
		p.current = nil
		switch {
		case r.failed.Load():
			p.status = StatusFailed
		case cancelled:
			p.status = StatusStopped
		default:
			p.status = StatusFinished
		}
	}
	p.mu.Unlock()

	close(r.done)
	p.logger.Debug("pipeline exited", "seq", r.seq, "run_id", r.id)
}

// Stop cancels the running elements without waiting for them.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	// A paused graph must be able to observe cancellation.
	p.resume()
	r.cancel()
	return nil
}

// WaitForStop blocks until every element of the current run has exited.
// It has no timeout.
func (p *Pipeline) WaitForStop() {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()

	if r != nil {
		<-r.done
	}
}

// Terminate stops the graph and waits for it.
func (p *Pipeline) Terminate() error {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	if err := p.Stop(); err != nil {
		return err
	}
	<-r.done
	return nil
}

// ResetQueues discards frames queued between elements and empties element
// buffers.
func (p *Pipeline) ResetQueues() {
	p.mu.Lock()
	r := p.current
	els := p.elementsLocked()
	p.mu.Unlock()

	if r != nil {
		for _, q := range r.queues {
			drain(q)
		}
	}
	for _, el := range els {
		if f, ok := el.(Flusher); ok {
			f.Flush()
		}
	}
}

func drain(q chan Frame) {
	for {
		select {
		case _, ok := <-q:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// ResetStages clears per-element state.
func (p *Pipeline) ResetStages() {
	p.mu.Lock()
	els := p.elementsLocked()
	p.mu.Unlock()

	for _, el := range els {
		if r, ok := el.(Resetter); ok {
			r.Reset()
		}
	}
}

func (p *Pipeline) elementsLocked() []Element {
	els := make([]Element, 0, len(p.elements))
	for _, el := range p.elements {
		els = append(els, el)
	}
	return els
}

// Pause blocks every element at its next Send or Recv.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return nil
	}

	p.pauseMu.Lock()
	select {
	case <-p.resumed:
		p.resumed = make(chan struct{})
	default:
	}
	p.pauseMu.Unlock()

	p.status = StatusPaused
	return nil
}

// Resume releases a paused graph.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resume()
	if p.current != nil {
		p.status = StatusRunning
	}
	return nil
}

func (p *Pipeline) resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()

	select {
	case <-p.resumed:
	default:
		close(p.resumed)
	}
}

func (p *Pipeline) waitResumed(ctx context.Context) error {
	p.pauseMu.Lock()
	ch := p.resumed
	p.pauseMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deinit terminates the graph, closes every io.Closer element and closes
// the event channel. The graph cannot be used afterwards.
func (p *Pipeline) Deinit() error {
	p.quitOnce.Do(func() { close(p.quit) })
	if err := p.Terminate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.deinit {
		p.mu.Unlock()
		return nil
	}
	p.deinit = true
	els := p.elementsLocked()
	p.elements = map[string]Element{}
	p.order = nil
	p.mu.Unlock()

	var errs []error
	for _, el := range els {
		if c, ok := el.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	p.eventsMu.Lock()
	if !p.eventsClosed {
		p.eventsClosed = true
		close(p.events)
	}
	p.eventsMu.Unlock()

	return errors.Join(errs...)
}

func (p *Pipeline) emit(ev Event) {
	ev.Graph = p.name

	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()

	if p.eventsClosed {
		return
	}
	select {
	case p.events <- ev:
		return
	default:
	}

	if ev.Kind == FormatDiscovered {
		p.logger.Warn("event channel full, dropping event", "kind", ev.Kind.String(), "element", ev.Element)
		return
	}
	select {
	case p.events <- ev:
	case <-p.quit:
		p.logger.Debug("graph closing, dropping event", "kind", ev.Kind.String(), "element", ev.Element)
	}
}
