// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"crypto/sha512"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"
)

// rendezvousSalt separates the rendezvous derivation from any other
// use the caller might make of the same passphrase.
const rendezvousSalt = "peerpipe:rendezvous"

// rendezvousIterations is deliberately modest: the derivation hides
// the passphrase from the relay and makes channel-name enumeration
// expensive, but session security never rests on it.
const rendezvousIterations = 4096

// DeriveRendezvous maps a shared passphrase to the rendezvous channel
// name both peers connect to on the signaling relay. The derivation is
// role-independent so both sides arrive at the same name, and one-way
// so the relay learns nothing about the passphrase.
func DeriveRendezvous(passphrase string) string {
	name := pbkdf2.Key(
		[]byte(passphrase), []byte(rendezvousSalt),
		rendezvousIterations, 32, sha512.New,
	)
	return base64.RawURLEncoding.EncodeToString(name)
}
