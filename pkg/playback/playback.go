// Package playback holds the vocabulary shared by the audio managers.
package playback

import "fmt"

// State is the lifecycle state of a manager.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QoS is the policy of a tone request when the output is busy.
type QoS int

const (
	// QoSDrop fails fast with ErrBusy.
	QoSDrop QoS = 0
	// QoSWait waits for the output to free up, bounded per call.
	QoSWait QoS = 1
	// QoSPreempt interrupts whatever is playing.
	QoSPreempt QoS = 2
)

// Valid reports whether q is one of the three levels.
func (q QoS) Valid() bool { return q >= QoSDrop && q <= QoSPreempt }

func (q QoS) String() string {
	switch q {
	case QoSDrop:
		return "drop"
	case QoSWait:
		return "wait"
	case QoSPreempt:
		return "preempt"
	default:
		return fmt.Sprintf("qos(%d)", int(q))
	}
}

// ToneRequest asks the tone player for a clip.
type ToneRequest struct {
	QoS                 QoS    `json:"qos"`
	AllowWhenRestricted bool   `json:"allow_when_restricted"`
	URI                 string `json:"uri"`
}
