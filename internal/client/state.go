package client

import (
	"fmt"
	"time"
)

// Status is the phase of a transport's connection.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionState is the transport's current state. Attempt and NextDelay
// are set while Reconnecting; Attempt is also kept on the Connecting
// state of a retry. Err is set on a Disconnected state the transport
// entered without being asked to, which is only ever an authentication
// failure.
type ConnectionState struct {
	Status    Status
	Attempt   int
	NextDelay time.Duration
	Err       error
}

func (s ConnectionState) String() string {
	switch {
	case s.Status == Reconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", s.Attempt, s.NextDelay)
	case s.Err != nil:
		return fmt.Sprintf("%s: %v", s.Status, s.Err)
	default:
		return s.Status.String()
	}
}
