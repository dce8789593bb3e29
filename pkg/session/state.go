package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle stage of a transfer session.
type State int

const (
	// StateIdle is a new session that has not started.
	StateIdle State = iota

	// StateAwaitingPeer waits for the other side: the target showing up in
	// the peer list, a relay grant, or the first datagram.
	StateAwaitingPeer

	// StateRelayNegotiating has asked the server to pair with the target.
	StateRelayNegotiating

	// StateTransferring is moving file bytes.
	StateTransferring

	// StateCompleted is terminal: the file arrived intact.
	StateCompleted

	// StateFailed is terminal: see Snapshot.Err.
	StateFailed
)

// String returns a human-readable name for the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingPeer:
		return "AwaitingPeer"
	case StateRelayNegotiating:
		return "RelayNegotiating"
	case StateTransferring:
		return "Transferring"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrInvalidTransition is returned when a session is driven out of order,
// for example started twice.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateIdle:             {StateAwaitingPeer, StateTransferring, StateFailed},
	StateAwaitingPeer:     {StateRelayNegotiating, StateTransferring, StateFailed},
	StateRelayNegotiating: {StateTransferring, StateFailed},
	StateTransferring:     {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
