// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Channel = (*MemoryChannel)(nil)

// memoryBuffer is how many envelopes each direction can hold before
// Send blocks. Candidate bursts during gathering stay well under this.
const memoryBuffer = 16

// MemoryChannel is an in-process Channel for tests. NewMemoryPair
// returns two connected ends; envelopes sent on one are received on
// the other in order, with no relay in between.
type MemoryChannel struct {
	send chan Envelope
	recv chan Envelope

	closed    chan struct{}
	closeOnce sync.Once

	// peerClosed is the other end's closed channel, so a Receive does
	// not hang on a peer that is gone.
	peerClosed chan struct{}
}

// NewMemoryPair creates two connected in-process channel ends.
func NewMemoryPair() (*MemoryChannel, *MemoryChannel) {
	aToB := make(chan Envelope, memoryBuffer)
	bToA := make(chan Envelope, memoryBuffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &MemoryChannel{send: aToB, recv: bToA, closed: aClosed, peerClosed: bClosed}
	b := &MemoryChannel{send: bToA, recv: aToB, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (c *MemoryChannel) Send(ctx context.Context, envelope Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-c.peerClosed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- envelope:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-c.peerClosed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) Receive(ctx context.Context) (Envelope, error) {
	// Drain envelopes already delivered before reporting a close, so
	// an orderly Close envelope is observable after the peer hangs up.
	select {
	case envelope := <-c.recv:
		return envelope, nil
	default:
	}
	select {
	case envelope := <-c.recv:
		return envelope, nil
	case <-c.closed:
		return Envelope{}, ErrChannelClosed
	case <-c.peerClosed:
		return Envelope{}, ErrChannelClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
