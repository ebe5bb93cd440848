package pipeline

import "github.com/teslashibe/go-voicebox/pkg/audioio"

// EventKind tags a pipeline event.
type EventKind int

const (
	// FormatDiscovered reports the negotiated format of an element's output.
	FormatDiscovered EventKind = iota
	// Stopped reports an element that exited because the graph was stopped.
	Stopped
	// Finished reports an element that ran out of input.
	Finished
	// Error reports an element that failed.
	Error
)

func (k EventKind) String() string {
	switch k {
	case FormatDiscovered:
		return "format_discovered"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends an element's run.
func (k EventKind) Terminal() bool {
	return k == Stopped || k == Finished
}

// Event is emitted on a graph's event channel.
type Event struct {
	Kind    EventKind
	Graph   string
	Element string

	// Seq is the run that produced the event; see Graph.Seq.
	Seq uint64

	// Format is set for FormatDiscovered.
	Format audioio.Format

	// Err is set for Error.
	Err error
}
