// File: core/manager/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import "fmt"

// State is the connection lifecycle position.
type State uint8

const (
	StateIdle State = iota
	// StateResolving waits for an asynchronous DNS answer.
	StateResolving
	// StateConnecting waits for the backend connect result.
	StateConnecting
	StateListening
	// StateAccepted is a server-side connection whose accept event has
	// not been delivered yet.
	StateAccepted
	// StateHandshaking runs the TLS handshake before the connection opens.
	StateHandshaking
	StateOpen
	StateClosing
	StateDestroyed
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateResolving:   "resolving",
	StateConnecting:  "connecting",
	StateListening:   "listening",
	StateAccepted:    "accepted",
	StateHandshaking: "handshaking",
	StateOpen:        "open",
	StateClosing:     "closing",
	StateDestroyed:   "destroyed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func bits(states ...State) uint16 {
	var b uint16
	for _, s := range states {
		b |= 1 << s
	}
	return b
}

// transitions lists the legal successors of every state.
var transitions = [...]uint16{
	StateIdle:        bits(StateResolving, StateConnecting, StateListening, StateAccepted, StateOpen, StateClosing),
	StateResolving:   bits(StateConnecting, StateClosing),
	StateConnecting:  bits(StateHandshaking, StateOpen, StateClosing),
	StateListening:   bits(StateClosing),
	StateAccepted:    bits(StateHandshaking, StateOpen, StateClosing),
	StateHandshaking: bits(StateOpen, StateClosing),
	StateOpen:        bits(StateClosing),
	StateClosing:     bits(StateDestroyed),
	StateDestroyed:   0,
}

// CanTransition reports whether s may move to to.
func (s State) CanTransition(to State) bool {
	return int(s) < len(transitions) && transitions[s]&(1<<to) != 0
}

// preOpen reports states in which no poll or timer event is delivered.
func (s State) preOpen() bool {
	switch s {
	case StateIdle, StateResolving, StateConnecting, StateAccepted, StateHandshaking:
		return true
	}
	return false
}
