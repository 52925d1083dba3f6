// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package mux establishes the reliable, ordered, message-oriented
// channel a pipe's frames travel over: an SCTP association on top of
// the datagram path the connectivity negotiator produced.
//
// The Initiator opens the association and its single stream; the
// Responder accepts both, mirroring the underlying protocol's
// client/server asymmetry. One stream per session — handshake and
// application frames share it so handshake completion strictly
// precedes the first application frame. Message boundaries are
// preserved: one [Channel.Write] is one [Channel.Read] on the peer.
package mux
