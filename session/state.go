// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package session

// State is the lifecycle phase of a Session. Transitions only move
// forward; Failed and Closed are terminal.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
