// Package netfeed carries conversational audio from the network into the
// duplex player.
//
// Four transports are provided: a websocket client that pulls from a
// remote server, a websocket endpoint remote peers push to, an RTP
// receiver and a WebRTC receiver signalled over the control API. All of
// them write payloads to an io.Writer, normally the duplex player's input.
// Websocket text frames carry control messages; a WebRTC audio track
// starts and stops reply audio by arriving and ending.
package netfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// Control message types.
const (
	TypeStart = "start"
	TypeStop  = "stop"
)

// ErrUnknownControl is returned for control messages with an unknown type.
var ErrUnknownControl = errors.New("netfeed: unknown control message")

// Controller starts and stops duplex output on request of the peer.
type Controller interface {
	StartDuplex() error
	StopDuplex() error
}

// Control is a text frame sent by a peer.
type Control struct {
	Type string `json:"type"`
}

func handleControl(c Controller, data []byte) error {
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("parse control: %w", err)
	}
	if c == nil {
		return nil
	}
	switch msg.Type {
	case TypeStart:
		return c.StartDuplex()
	case TypeStop:
		return c.StopDuplex()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, msg.Type)
	}
}

// Stats counts traffic of one transport.
type Stats struct {
	Messages uint64 `json:"messages"`
	Bytes    uint64 `json:"bytes"`
	Dropped  uint64 `json:"dropped"`
	Lost     uint64 `json:"lost"`
}

type counters struct {
	messages atomic.Uint64
	bytes    atomic.Uint64
	dropped  atomic.Uint64
	lost     atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Dropped:  c.dropped.Load(),
		Lost:     c.lost.Load(),
	}
}
