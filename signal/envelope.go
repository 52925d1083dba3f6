// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"fmt"

	"github.com/peerpipe-foundation/peerpipe/lib/codec"
)

// Role identifies which side of the pipe this process is. The role is
// fixed for the lifetime of a session: the Initiator sends the first
// signaling envelope, dials the connectivity path, and opens the
// transport association; the Responder accepts each.
type Role int

const (
	// Initiator opens the signaling exchange and dials.
	Initiator Role = iota
	// Responder answers the signaling exchange and accepts.
	Responder
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Kind tags the payload variant carried by an Envelope.
type Kind uint8

const (
	// KindCandidate carries one connectivity candidate in the ICE
	// engine's marshalled form. Opaque to everything above the
	// negotiator.
	KindCandidate Kind = iota + 1

	// KindCredentials carries the sender's connectivity credentials
	// (ufrag and password). Sent once per session, before or alongside
	// candidates.
	KindCredentials

	// KindIdentityKey carries the sender's public identity key. Each
	// side sends exactly one before negotiation starts; the secure
	// handshake later requires the identity presented on the direct
	// channel to match this value.
	KindIdentityKey

	// KindClose announces an orderly teardown of the exchange.
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindCandidate:
		return "candidate"
	case KindCredentials:
		return "credentials"
	case KindIdentityKey:
		return "identity-key"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is one discrete signaling message. Exactly the fields for
// its Kind are populated; everything else stays empty on the wire.
type Envelope struct {
	Kind Kind `cbor:"kind"`

	// Candidate is the marshalled connectivity candidate
	// (KindCandidate).
	Candidate string `cbor:"candidate,omitempty"`

	// Ufrag and Pwd are the sender's connectivity credentials
	// (KindCredentials).
	Ufrag string `cbor:"ufrag,omitempty"`
	Pwd   string `cbor:"pwd,omitempty"`

	// IdentityKey is the sender's public identity key
	// (KindIdentityKey).
	IdentityKey []byte `cbor:"identity_key,omitempty"`
}

// maxEnvelopeSize bounds a decoded signaling message. Candidates and
// keys are small; anything larger is a misbehaving peer or relay.
const maxEnvelopeSize = 4096

// Validate checks that the envelope carries a known kind and the
// fields that kind requires.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindCandidate:
		if e.Candidate == "" {
			return fmt.Errorf("signal: candidate envelope without candidate")
		}
	case KindCredentials:
		if e.Ufrag == "" || e.Pwd == "" {
			return fmt.Errorf("signal: credentials envelope missing ufrag or pwd")
		}
	case KindIdentityKey:
		if len(e.IdentityKey) == 0 {
			return fmt.Errorf("signal: identity-key envelope without key")
		}
	case KindClose:
	default:
		return fmt.Errorf("signal: unknown envelope kind %d", uint8(e.Kind))
	}
	return nil
}

// Encode serializes the envelope to its CBOR wire form.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(e)
}

// DecodeEnvelope parses and validates one wire-form envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > maxEnvelopeSize {
		return Envelope{}, fmt.Errorf("signal: envelope of %d bytes exceeds limit", len(data))
	}
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("signal: decoding envelope: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
