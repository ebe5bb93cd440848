package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph lifecycle misuse.
var (
	// ErrAlreadyRunning is returned by Run on a running graph.
	ErrAlreadyRunning = errors.New("pipeline: already running")

	// ErrRunning is returned when the topology is changed while running.
	ErrRunning = errors.New("pipeline: graph is running")

	// ErrNotLinked is returned by Run before Link.
	ErrNotLinked = errors.New("pipeline: no linked elements")

	// ErrDuplicateElement is returned by Register for a taken name.
	ErrDuplicateElement = errors.New("pipeline: duplicate element")

	// ErrUnknownElement is returned for names that were never registered.
	ErrUnknownElement = errors.New("pipeline: unknown element")

	// ErrDeinitialized is returned by every operation after Deinit.
	ErrDeinitialized = errors.New("pipeline: deinitialized")
)

// ElementError carries the failure of one element.
type ElementError struct {
	Graph   string
	Element string
	Err     error
}

// Error implements the error interface.
func (e *ElementError) Error() string {
	return fmt.Sprintf("pipeline [%s/%s]: %v", e.Graph, e.Element, e.Err)
}

// Unwrap returns the underlying error.
func (e *ElementError) Unwrap() error {
	return e.Err
}
