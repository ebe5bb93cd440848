// Package events turns pipeline events into player state changes.
//
// Every watched graph gets a forwarder goroutine; all of them feed a single
// dispatcher so handlers for different graphs never run concurrently.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/visual"
)

var (
	// ErrRunning is returned by Watch after Run has started.
	ErrRunning = errors.New("events: translator running")

	// ErrDuplicateBinding is returned when a name is watched twice.
	ErrDuplicateBinding = errors.New("events: duplicate binding")
)

// Completer finishes a run when its output stage stops or finishes. It
// reports whether the event belonged to the current run.
type Completer interface {
	Complete(ev pipeline.Event) bool
}

// FormatObserver is told about discovered stream formats.
type FormatObserver interface {
	OnFormat(ev pipeline.Event)
}

// Failer records element errors.
type Failer interface {
	Fail(ev pipeline.Event)
}

// Binding connects one graph's events to its manager.
type Binding struct {
	// Name labels the graph in stats and for the sleep policy.
	Name string

	// Sink is the element whose terminal events end a run.
	Sink string

	Events <-chan pipeline.Event

	// Target receives completions. It may also implement FormatObserver
	// and Failer.
	Target Completer

	// Visual sends a display state when a run ends.
	Visual bool
}

// Stats summarizes the events seen for one binding.
type Stats struct {
	Format   audioio.Format `json:"format"`
	Finished int64          `json:"finished"`
	Stopped  int64          `json:"stopped"`
	Errors   int64          `json:"errors"`
	LastErr  string         `json:"last_error,omitempty"`
}

// Options configures a Translator.
type Options struct {
	Hook   visual.Hook
	Policy *visual.SleepPolicy

	// Ended, when set, receives completion visuals in place of Hook
	// together with the player whose run ended.
	Ended func(player string, s visual.State)

	// Buffer is the capacity of the merged event channel.
	Buffer int

	Logger *slog.Logger
}

type tagged struct {
	b  *Binding
	ev pipeline.Event
}

// Translator dispatches events from every watched graph.
type Translator struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	bindings []*Binding
	stats    map[string]*Stats
	running  bool
}

// New creates a translator.
func New(opts Options) *Translator {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Policy == nil {
		opts.Policy = &visual.SleepPolicy{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{
		opts:   opts,
		logger: logger.With("component", "events"),
		stats:  make(map[string]*Stats),
	}
}

// Watch registers a binding. It must be called before Run.
func (t *Translator) Watch(b Binding) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrRunning
	}
	if _, ok := t.stats[b.Name]; ok {
		return ErrDuplicateBinding
	}
	t.bindings = append(t.bindings, &b)
	t.stats[b.Name] = &Stats{}
	return nil
}

// Run dispatches events until ctx is cancelled.
func (t *Translator) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrRunning
	}
	t.running = true
	bindings := append([]*Binding(nil), t.bindings...)
	t.mu.Unlock()

	merged := make(chan tagged, t.opts.Buffer)
	g, gctx := errgroup.WithContext(ctx)

	for _, b := range bindings {
		g.Go(func() error {
			t.forward(gctx, b, merged)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case m := <-merged:
				t.dispatch(m.b, m.ev)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Translator) forward(ctx context.Context, b *Binding, out chan<- tagged) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.Events:
			if !ok {
				t.logger.Debug("event source closed", "pipeline", b.Name)
				return
			}
			select {
			case out <- tagged{b: b, ev: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *Translator) dispatch(b *Binding, ev pipeline.Event) {
	t.record(b.Name, ev)

	switch ev.Kind {
	case pipeline.FormatDiscovered:
		t.logger.Debug("format discovered",
			"pipeline", b.Name,
			"element", ev.Element,
			"sample_rate", ev.Format.SampleRate,
			"channels", ev.Format.Channels,
		)
		if o, ok := b.Target.(FormatObserver); ok {
			o.OnFormat(ev)
		}

	case pipeline.Error:
		t.logger.Warn("pipeline element failed", "pipeline", b.Name, "element", ev.Element, "error", ev.Err)
		if f, ok := b.Target.(Failer); ok {
			f.Fail(ev)
		}

	case pipeline.Stopped, pipeline.Finished:
		if ev.Element != b.Sink || b.Target == nil {
			return
		}
		if !b.Target.Complete(ev) {
			t.logger.Debug("stale completion ignored", "pipeline", b.Name, "seq", ev.Seq)
			return
		}
		if !b.Visual {
			return
		}
		switch {
		case t.opts.Ended != nil:
			t.opts.Ended(b.Name, t.opts.Policy.After(b.Name))
		case t.opts.Hook != nil:
			t.opts.Hook(t.opts.Policy.After(b.Name))
		}
	}
}

func (t *Translator) record(name string, ev pipeline.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats[name]
	if s == nil {
		return
	}
	switch ev.Kind {
	case pipeline.FormatDiscovered:
		s.Format = ev.Format
	case pipeline.Finished:
		s.Finished++
	case pipeline.Stopped:
		s.Stopped++
	case pipeline.Error:
		s.Errors++
		if ev.Err != nil {
			s.LastErr = ev.Err.Error()
		}
	}
}

// Formats returns the last discovered format per graph.
func (t *Translator) Formats() map[string]audioio.Format {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]audioio.Format, len(t.stats))
	for name, s := range t.stats {
		if !s.Format.IsZero() {
			out[name] = s.Format
		}
	}
	return out
}

// Stats returns a copy of the per-graph counters.
func (t *Translator) Stats() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Stats, len(t.stats))
	for name, s := range t.stats {
		out[name] = *s
	}
	return out
}
