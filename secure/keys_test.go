// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package secure

import (
	"bytes"
	"testing"
)

func TestIdentity_SignAndVerify(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}

	message := []byte("ephemeral key bytes")
	signature := identity.sign(message)
	if !verifySignature(identity.Public(), message, signature) {
		t.Error("valid signature rejected")
	}

	tampered := append([]byte(nil), message...)
	tampered[0] ^= 1
	if verifySignature(identity.Public(), tampered, signature) {
		t.Error("signature accepted over tampered message")
	}

	other, err := NewIdentity()
	if err != nil {
		t.Fatalf("generating second identity: %v", err)
	}
	if verifySignature(other.Public(), message, signature) {
		t.Error("signature accepted under the wrong public key")
	}
}

func TestVerifySignature_RejectsMalformedInputs(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	message := []byte("m")
	signature := identity.sign(message)

	if verifySignature(nil, message, signature) {
		t.Error("accepted empty public key")
	}
	if verifySignature(identity.Public()[:16], message, signature) {
		t.Error("accepted truncated public key")
	}
	if verifySignature(identity.Public(), message, signature[:32]) {
		t.Error("accepted truncated signature")
	}
}

func TestIdentityFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x5a}, 32)
	first, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("deriving identity: %v", err)
	}
	second, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("deriving identity again: %v", err)
	}
	if !bytes.Equal(first.Public(), second.Public()) {
		t.Error("same seed derived different identities")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("same seed derived different fingerprints")
	}
}

func TestFingerprint_SeparatesKeys(t *testing.T) {
	a, err := NewIdentity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	b, err := NewIdentity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("distinct keys share a fingerprint")
	}
	if a.Fingerprint() != Fingerprint(a.Public()) {
		t.Error("method and function fingerprints disagree")
	}
}

func TestEphemeralKey_SharedSecretAgreement(t *testing.T) {
	alpha, err := newEphemeralKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	defer alpha.wipe()
	beta, err := newEphemeralKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	defer beta.wipe()

	secretAlpha, err := alpha.agree(beta.public[:])
	if err != nil {
		t.Fatalf("alpha agreement: %v", err)
	}
	secretBeta, err := beta.agree(alpha.public[:])
	if err != nil {
		t.Fatalf("beta agreement: %v", err)
	}
	if !bytes.Equal(secretAlpha, secretBeta) {
		t.Error("the two sides derived different shared secrets")
	}
	if len(secretAlpha) != 32 {
		t.Errorf("shared secret of %d bytes, want 32", len(secretAlpha))
	}
}

func TestEphemeralKey_FreshPerSession(t *testing.T) {
	first, err := newEphemeralKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	defer first.wipe()
	second, err := newEphemeralKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	defer second.wipe()

	if bytes.Equal(first.public[:], second.public[:]) {
		t.Error("two ephemeral keys are identical")
	}
}

func TestWipe_ZeroesKeyMaterial(t *testing.T) {
	key, err := newEphemeralKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	key.wipe()
	if key.private != [32]byte{} {
		t.Error("private scalar survived wipe")
	}

	material := []byte{0xde, 0xad, 0xbe, 0xef}
	wipe(material)
	for i, b := range material {
		if b != 0 {
			t.Errorf("byte %d survived wipe: %#x", i, b)
		}
	}
	wipe(nil)
}

func TestEphemeralKey_RejectsLowOrderPeer(t *testing.T) {
	key, err := newEphemeralKey()
	if err != nil {
		t.Fatalf("generating ephemeral key: %v", err)
	}
	defer key.wipe()

	// The all-zero point yields an all-zero shared secret, which
	// curve25519.X25519 refuses.
	if _, err := key.agree(make([]byte, 32)); err == nil {
		t.Error("agreement accepted a low-order peer point")
	}
}
