package ws

import (
	"errors"
	"fmt"
)

// Conn is what the hub needs from a connection. Send must not block: it
// returns false when the frame could not be queued.
type Conn interface {
	ID() string
	Send(data []byte) bool
	Close() error
}

// State is the lifecycle of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Event int

const (
	// The connection is registered with the hub.
	EventOpened Event = iota
	// The server decided to close (leave, timeout, slow consumer, shutdown).
	EventCloseRequested
	// The transport is gone.
	EventTransportClosed
)

func (e Event) String() string {
	switch e {
	case EventOpened:
		return "opened"
	case EventCloseRequested:
		return "close_requested"
	case EventTransportClosed:
		return "transport_closed"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var ErrInvalidTransition = errors.New("invalid connection state transition")

// Next applies e to s. Closed absorbs every event.
func (s State) Next(e Event) (State, error) {
	switch s {
	case StateConnecting:
		switch e {
		case EventOpened:
			return StateOpen, nil
		case EventCloseRequested:
			return StateClosing, nil
		case EventTransportClosed:
			return StateClosed, nil
		}
	case StateOpen:
		switch e {
		case EventCloseRequested:
			return StateClosing, nil
		case EventTransportClosed:
			return StateClosed, nil
		}
	case StateClosing:
		switch e {
		case EventCloseRequested:
			return StateClosing, nil
		case EventTransportClosed:
			return StateClosed, nil
		}
	case StateClosed:
		return StateClosed, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}
