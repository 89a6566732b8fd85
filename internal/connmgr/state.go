package connmgr

import "fmt"

// State describes the session lifecycle.
type State int32

const (
	StateNone State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status strings shown by a StatusPresenter.
const (
	statusConnecting   = "connecting..."
	statusNotConnected = "not connected"
)

// StatusText returns the indicator text for state s with peer p.
// Listening is reported as not connected.
func StatusText(s State, p Peer) string {
	switch s {
	case StateConnected:
		return "connected to " + p.DisplayName()
	case StateConnecting:
		return statusConnecting
	default:
		return statusNotConnected
	}
}
