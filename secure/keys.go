// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package secure

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

// Identity is a long-term Ed25519 keypair identifying one peer. The
// private half never leaves process memory; the public half is
// exchanged during the handshake and, if the caller wants real trust,
// compared out of band via Fingerprint.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewIdentity generates a fresh identity keypair.
func NewIdentity() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("secure: generating identity key: %w", err)
	}
	return &Identity{public: public, private: private}, nil
}

// IdentityFromSeed reconstructs an identity from a 32-byte seed, for
// callers that persist their identity across runs.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("secure: identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		public:  private.Public().(ed25519.PublicKey),
		private: private,
	}, nil
}

// Public returns a copy of the public identity key.
func (id *Identity) Public() []byte {
	public := make([]byte, len(id.public))
	copy(public, id.public)
	return public
}

// Fingerprint returns the fingerprint of this identity's public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.public)
}

func (id *Identity) sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// verifySignature reports whether signature is a valid Ed25519
// signature of message under the given public key.
func verifySignature(public, message, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), message, signature)
}

// Fingerprint returns a short BLAKE3-based fingerprint of a public
// key, suitable for out-of-band comparison by humans.
func Fingerprint(public []byte) string {
	sum := blake3.Sum256(public)
	return hex.EncodeToString(sum[:16])
}

// ephemeralKey is a per-session X25519 keypair. The private half is
// wiped as soon as the shared secret has been derived.
type ephemeralKey struct {
	private [curve25519.ScalarSize]byte
	public  [curve25519.PointSize]byte
}

// newEphemeralKey generates a fresh X25519 keypair with the private
// scalar clamped per RFC 7748.
func newEphemeralKey() (*ephemeralKey, error) {
	key := &ephemeralKey{}
	if _, err := rand.Read(key.private[:]); err != nil {
		return nil, fmt.Errorf("secure: generating ephemeral key: %w", err)
	}
	key.private[0] &= 248
	key.private[31] &= 127
	key.private[31] |= 64

	public, err := curve25519.X25519(key.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("secure: computing ephemeral public key: %w", err)
	}
	copy(key.public[:], public)
	return key, nil
}

// agree computes the X25519 shared secret with the peer's ephemeral
// public key. curve25519.X25519 rejects low-order peer points.
func (k *ephemeralKey) agree(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("secure: peer ephemeral key must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	secret, err := curve25519.X25519(k.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("secure: key agreement: %w", err)
	}
	return secret, nil
}

func (k *ephemeralKey) wipe() {
	wipe(k.private[:])
}

// wipe overwrites key material with zeros. ConstantTimeCopy keeps the
// write from being elided.
func wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
