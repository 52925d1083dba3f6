// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR wire codec shared by signaling
// envelopes and handshake messages. Encoding is deterministic so the
// same logical message always produces the same bytes on both peers.
package codec
