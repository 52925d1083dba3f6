// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal provides the signaling channel two peers use to
// exchange connectivity descriptors and handshake key material before
// a direct path exists between them.
//
// The [Channel] interface carries discrete [Envelope] values with
// best-effort ordered delivery. Channel loss is fatal to the
// in-progress negotiation; reconnection policy belongs to the caller.
// [MemoryChannel] pairs provide in-process signaling for tests.
// [WebsocketChannel] is the production implementation: a rendezvous
// relay reachable over a websocket endpoint, with ping/pong keepalive
// so a dead relay surfaces as an error rather than a hang.
//
// [DeriveRendezvous] turns a shared passphrase into the rendezvous
// channel name both peers connect to, without revealing the passphrase
// to the relay. The channel name is a meeting point only; session
// security never depends on it.
package signal
