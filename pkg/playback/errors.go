package playback

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the managers.
var (
	// ErrBusy is returned when another exclusive player holds the output.
	ErrBusy = errors.New("playback: output busy")

	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("playback: timed out waiting for output")

	// ErrRestricted is returned when the device state forbids playback.
	ErrRestricted = errors.New("playback: restricted by device state")

	// ErrNotRunning is returned by Stop on an idle manager.
	ErrNotRunning = errors.New("playback: not running")

	// ErrStillRunning is returned by Close before Stop.
	ErrStillRunning = errors.New("playback: still running")

	// ErrInvalidHandle is returned for nil or closed handles.
	ErrInvalidHandle = errors.New("playback: invalid handle")

	// ErrInvalidQoS is returned for QoS values outside 0-2.
	ErrInvalidQoS = errors.New("playback: invalid qos")
)

// ResourceError reports a graph that could not be built or started.
type ResourceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// StreamError records a mid-stream network or decoder failure. It is kept
// for inspection and never returned from Play.
type StreamError struct {
	URI string
	Err error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("playback: stream %s: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}
