// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package secure

import (
	"bytes"
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/peerpipe-foundation/peerpipe/lib/clock"
	"github.com/peerpipe-foundation/peerpipe/lib/codec"
	"github.com/peerpipe-foundation/peerpipe/signal"
)

// ErrHandshakeFailed is the terminal error for any defect during key
// agreement: malformed or missing peer material, a bad identity
// signature, an identity that does not match the one announced over
// signaling, or a confirmation frame that fails to decrypt. A session
// that sees it never reaches the established state.
var ErrHandshakeFailed = errors.New("secure: handshake failed")

// defaultHandshakeTimeout bounds how long each handshake read waits
// for the peer. A peer that never sends its key material fails the
// session rather than parking it forever.
const defaultHandshakeTimeout = 15 * time.Second

// maxHandshakeMessage bounds an encoded handshake message. The real
// size is under 200 bytes.
const maxHandshakeMessage = 512

// handshakeMessage is the single message each side contributes to the
// exchange. The signature covers the ephemeral key, binding this DH
// contribution to the presented identity.
type handshakeMessage struct {
	Identity  []byte `cbor:"identity"`
	Ephemeral []byte `cbor:"ephemeral"`
	Signature []byte `cbor:"signature"`
}

// HandshakeConfig parameterizes a handshake run.
type HandshakeConfig struct {
	// Role fixes message order: the Initiator writes first, the
	// Responder answers. The key agreement itself is symmetric.
	Role signal.Role

	// Identity is the local long-term keypair.
	Identity *Identity

	// ExpectedPeer, when non-empty, pins the public identity key the
	// peer must present — typically the key announced over the
	// signaling channel. A mismatch fails the handshake.
	ExpectedPeer []byte

	// Timeout bounds each read of peer handshake material. Zero
	// selects the default.
	Timeout time.Duration

	// Clock drives the timeout; nil selects the real clock.
	Clock clock.Clock
}

// Handshake runs the mutual authenticated key agreement over an open
// link and returns the encrypted stream plus the peer's public
// identity key. The ephemeral private key and the shared secret are
// wiped on every exit path.
func Handshake(ctx context.Context, link Link, config HandshakeConfig) (*Stream, []byte, error) {
	if config.Identity == nil {
		return nil, nil, fmt.Errorf("%w: no local identity", ErrHandshakeFailed)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultHandshakeTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	ephemeral, err := newEphemeralKey()
	if err != nil {
		return nil, nil, err
	}
	defer ephemeral.wipe()

	local := handshakeMessage{
		Identity:  config.Identity.Public(),
		Ephemeral: ephemeral.public[:],
		Signature: config.Identity.sign(ephemeral.public[:]),
	}
	localBytes, err := codec.Marshal(local)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding local message: %v", ErrHandshakeFailed, err)
	}

	// The Initiator speaks first; the Responder generates its reply
	// only after seeing a valid opening message.
	var peerBytes []byte
	switch config.Role {
	case signal.Initiator:
		if err := link.Write(localBytes); err != nil {
			return nil, nil, fmt.Errorf("%w: sending key material: %v", ErrHandshakeFailed, err)
		}
		if peerBytes, err = readHandshakeMessage(ctx, link, config); err != nil {
			return nil, nil, err
		}
	default:
		if peerBytes, err = readHandshakeMessage(ctx, link, config); err != nil {
			return nil, nil, err
		}
		if err := link.Write(localBytes); err != nil {
			return nil, nil, fmt.Errorf("%w: sending key material: %v", ErrHandshakeFailed, err)
		}
	}

	peer, err := parseHandshakeMessage(peerBytes, config.ExpectedPeer)
	if err != nil {
		return nil, nil, err
	}

	secret, err := ephemeral.agree(peer.Ephemeral)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer wipe(secret)

	// Transcript binding: both ephemeral keys hashed in a fixed,
	// role-independent order (initiator contribution first), so the
	// derived keys are unique to this exact exchange.
	var transcript [32]byte
	switch config.Role {
	case signal.Initiator:
		transcript = transcriptHash(ephemeral.public[:], peer.Ephemeral)
	default:
		transcript = transcriptHash(peer.Ephemeral, ephemeral.public[:])
	}
	ephemeral.wipe()

	send, err := deriveDirection(secret, transcript[:], config.Role)
	if err != nil {
		return nil, nil, err
	}
	recv, err := deriveDirection(secret, transcript[:], config.Role.Other())
	if err != nil {
		return nil, nil, err
	}

	stream := newStream(link, send, recv)
	if err := exchangeConfirmation(ctx, stream, config); err != nil {
		stream.Close()
		return nil, nil, err
	}

	return stream, peer.Identity, nil
}

// readHandshakeMessage pulls one handshake message off the link,
// bounded by the handshake timeout. The read goroutine unblocks when
// the session tears the link down on failure.
func readHandshakeMessage(ctx context.Context, link Link, config HandshakeConfig) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	results := make(chan readResult, 1)
	go func() {
		data, err := link.Read()
		results <- readResult{data, err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return nil, fmt.Errorf("%w: reading peer material: %v", ErrHandshakeFailed, result.err)
		}
		if len(result.data) > maxHandshakeMessage {
			return nil, fmt.Errorf("%w: oversized message of %d bytes", ErrHandshakeFailed, len(result.data))
		}
		return result.data, nil
	case <-config.Clock.After(config.Timeout):
		return nil, fmt.Errorf("%w: no peer material within %s", ErrHandshakeFailed, config.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseHandshakeMessage(data, expectedPeer []byte) (handshakeMessage, error) {
	var message handshakeMessage
	if err := codec.Unmarshal(data, &message); err != nil {
		return handshakeMessage{}, fmt.Errorf("%w: malformed message: %v", ErrHandshakeFailed, err)
	}
	if !verifySignature(message.Identity, message.Ephemeral, message.Signature) {
		return handshakeMessage{}, fmt.Errorf("%w: bad identity signature over ephemeral key", ErrHandshakeFailed)
	}
	if len(expectedPeer) > 0 && !bytes.Equal(message.Identity, expectedPeer) {
		return handshakeMessage{}, fmt.Errorf(
			"%w: peer identity %s does not match announced identity %s",
			ErrHandshakeFailed, Fingerprint(message.Identity), Fingerprint(expectedPeer),
		)
	}
	return message, nil
}

func transcriptHash(initiatorEphemeral, responderEphemeral []byte) [32]byte {
	hasher := blake3.New()
	hasher.Write(initiatorEphemeral)
	hasher.Write(responderEphemeral)

	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// deriveDirection expands one flow direction's key and nonce salt
// from the shared secret, with the transcript hash as HKDF salt and
// the owning role as the info string. The raw key bytes are wiped
// once the AEAD holds them.
func deriveDirection(secret, transcript []byte, role signal.Role) (direction, error) {
	expand := hkdf.New(sha512.New, secret, transcript, []byte("peerpipe v1 "+role.String()))

	key := make([]byte, chacha20poly1305.KeySize)
	var d direction
	if _, err := io.ReadFull(expand, key); err != nil {
		return direction{}, fmt.Errorf("%w: deriving %s key: %v", ErrHandshakeFailed, role, err)
	}
	if _, err := io.ReadFull(expand, d.salt[:]); err != nil {
		return direction{}, fmt.Errorf("%w: deriving %s nonce salt: %v", ErrHandshakeFailed, role, err)
	}

	aead, err := chacha20poly1305.New(key)
	wipe(key)
	if err != nil {
		return direction{}, fmt.Errorf("%w: building AEAD: %v", ErrHandshakeFailed, err)
	}
	d.aead = aead
	return d, nil
}

// exchangeConfirmation sends one empty frame under the new send key
// and requires one under the peer's. Decrypting it is the only
// liveness proof that both sides derived identical keys. The write
// runs in the background so synchronous in-process links cannot
// deadlock with both sides writing first.
func exchangeConfirmation(ctx context.Context, stream *Stream, config HandshakeConfig) error {
	writeErrors := make(chan error, 1)
	go func() {
		writeErrors <- stream.writeFrame(nil)
	}()

	type readResult struct {
		data []byte
		err  error
	}
	results := make(chan readResult, 1)
	go func() {
		data, err := stream.readFrame()
		results <- readResult{data, err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return fmt.Errorf("%w: confirmation did not decrypt: %v", ErrHandshakeFailed, result.err)
		}
		if len(result.data) != 0 {
			return fmt.Errorf("%w: confirmation carried %d unexpected bytes", ErrHandshakeFailed, len(result.data))
		}
	case <-config.Clock.After(config.Timeout):
		return fmt.Errorf("%w: no confirmation within %s", ErrHandshakeFailed, config.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := <-writeErrors; err != nil {
		return fmt.Errorf("%w: sending confirmation: %v", ErrHandshakeFailed, err)
	}
	return nil
}
