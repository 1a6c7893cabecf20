// Copyright 2024-2026 Aiku AI

package connector

import "slices"

// State is the lifecycle state of one source.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConfiguring
	StateActive
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateConfiguring:    "configuring",
	StateActive:         "active",
	StateReconnecting:   "reconnecting",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the legal successors of every state. Closed may only
// leave through Reconnecting, on a reconnect request or a new configuration.
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting, StateClosed},
	StateConnecting:     {StateAuthenticating, StateReconnecting, StateClosed},
	StateAuthenticating: {StateConfiguring, StateReconnecting, StateClosed},
	StateConfiguring:    {StateActive, StateReconnecting, StateClosed},
	StateActive:         {StateReconnecting, StateClosed},
	StateReconnecting:   {StateConnecting, StateClosed},
	StateClosed:         {StateReconnecting},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
