package storage

import "fmt"

// State is the connection lifecycle state.
type State int

const (
	StateConnecting State = iota + 1
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// connEvent drives the state machine.
type connEvent int

const (
	// evHandshake: the store accepted the session.
	evHandshake connEvent = iota + 1
	// evDrop: dialing, the handshake, or an open connection failed.
	evDrop
	// evRetry: the backoff delay elapsed.
	evRetry
	// evClose: the provider is shutting down.
	evClose
)

func (e connEvent) String() string {
	switch e {
	case evHandshake:
		return "handshake"
	case evDrop:
		return "drop"
	case evRetry:
		return "retry"
	case evClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition returns the state reached from `from` on ev.
func transition(from State, ev connEvent) (State, error) {
	if ev == evClose {
		return StateClosed, nil
	}

	switch from {
	case StateConnecting, StateReconnecting:
		switch ev {
		case evHandshake:
			return StateConnected, nil
		case evDrop:
			return StateDisconnected, nil
		}
	case StateConnected:
		if ev == evDrop {
			return StateDisconnected, nil
		}
	case StateDisconnected:
		if ev == evRetry {
			return StateReconnecting, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
}
