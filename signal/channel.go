// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by Send and Receive after the channel
// has been closed, locally or by the peer side going away.
var ErrChannelClosed = errors.New("signal: channel closed")

// Channel carries discrete envelopes between the two peers of a
// session. Delivery is best-effort ordered: envelopes from one peer
// arrive in send order or not at all. A failed Send or Receive is
// fatal to the negotiation in progress — implementations do not retry
// internally.
type Channel interface {
	// Send transmits one envelope to the peer.
	Send(ctx context.Context, envelope Envelope) error

	// Receive blocks until the next envelope from the peer arrives,
	// the context is done, or the channel fails.
	Receive(ctx context.Context) (Envelope, error)

	// Close releases the channel. Pending and subsequent calls return
	// ErrChannelClosed.
	Close() error
}
