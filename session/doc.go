// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package session orchestrates the full lifecycle of one peerpipe:
// identity announcement over signaling, connectivity negotiation,
// transport association, authenticated key agreement, and the
// encrypted byte-stream the caller finally gets to use.
//
// [New] drives the pipeline to completion and returns only an
// Established session or the terminal error of whichever stage
// failed. There are no retries anywhere in the core — a corrupted
// cryptographic session must never be resumed, so reconnection policy
// belongs to the caller, who builds a fresh Session. [Dial] is the
// convenience entry point that also opens the websocket signaling
// channel from an endpoint URL.
//
// A session moves Idle → Negotiating → Handshaking → Established →
// Closing → Closed, with terminal Failed reachable from every
// non-terminal state. Write and Read are usable only in Established
// (Read also drains during Closing) and may run concurrently.
package session
