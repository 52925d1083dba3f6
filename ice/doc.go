// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package ice resolves one usable datagram path between the two peers
// by driving a pion ICE agent: it gathers local candidates, trickles
// them to the peer over the signaling channel, ingests the peer's
// candidates and credentials as they arrive, and waits for the
// connectivity checks to select a pair.
//
// [Negotiator.Negotiate] produces exactly one terminal outcome: a live
// net.Conn path handle (consumed only by the transport multiplexer) or
// an error wrapping [ErrNegotiationFailed]. There is no retry and no
// relay fallback inside the core; a negotiation that cannot find a
// direct path within its deadline fails the session.
package ice
