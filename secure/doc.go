// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// Package secure implements the authenticated key agreement and the
// encrypted framing that protect everything a pipe carries after the
// direct transport channel is up.
//
// The handshake is a two-message exchange over the first transport
// channel: each side sends its public identity key, a fresh X25519
// ephemeral public key, and an Ed25519 signature of the ephemeral key
// under the identity key. Both sides derive directional
// ChaCha20-Poly1305 session keys from the X25519 shared secret bound
// to a transcript hash of the exchange, then prove key agreement with
// one encrypted confirmation frame per direction. Identity keys are
// exchanged and signature-checked but not anchored to any root of
// trust — callers compare [Fingerprint] values out of band if they
// want more than channel binding.
//
// [Stream] wraps the transport channel after a successful handshake.
// Every frame carries an explicit sequence number that doubles as the
// nonce; receivers enforce strict monotonicity, so a duplicated,
// reordered, or tampered frame kills the session rather than being
// absorbed. The sole AEAD is ChaCha20-Poly1305 and the sole agreement
// primitive is X25519; there is deliberately no negotiation.
package secure
