package stages

import (
	"errors"
	"fmt"
)

var (
	// ErrNoURI is returned by readers run without a source.
	ErrNoURI = errors.New("stages: no source uri")

	// ErrClosed is returned by writes to a closed raw input.
	ErrClosed = errors.New("stages: closed")
)

// HTTPError reports a non-2xx response from a clip server.
type HTTPError struct {
	URI        string
	StatusCode int
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("stages: GET %s: status %d", e.URI, e.StatusCode)
}
