// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package secure

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrFrameIntegrity is the terminal error for any authentication or
// sequencing violation on an established stream. The underlying
// transport already guarantees ordered, non-duplicated delivery, so a
// violation means tampering or a protocol bug — never legitimate
// network behavior. The stream is unusable afterwards.
var ErrFrameIntegrity = errors.New("secure: frame integrity violation")

// ErrStreamClosed is returned after a local Close.
var ErrStreamClosed = errors.New("secure: stream closed")

// MaxFramePayload is the plaintext budget of a single frame. Larger
// writes are split; a received frame above this bound is rejected
// before decryption so a malicious peer cannot force unbounded
// buffering.
const MaxFramePayload = 4096

// Frame wire layout: u32 length ‖ u64 sequence ‖ ciphertext+tag,
// integers big-endian. length covers everything after itself. The
// 12-byte header is the AEAD associated data, so neither field can be
// altered without failing the tag.
const (
	frameHeaderSize = 12
	nonceSaltSize   = 4
)

// Link is the reliable, ordered, message-boundary-preserving channel
// frames travel over. Implemented by the transport multiplexer; tests
// substitute in-process pipes.
type Link interface {
	// Write sends p as one message.
	Write(p []byte) error

	// Read returns the next message. io.EOF reports an orderly close
	// by the peer.
	Read() ([]byte, error)
}

// direction holds the cipher state of one flow direction: an AEAD, a
// nonce salt, and the strictly monotonic sequence counter. The two
// directions of a stream share nothing, so a writer and a reader can
// run concurrently without coordination.
type direction struct {
	aead cipher.AEAD
	salt [nonceSaltSize]byte
	next uint64
}

func (d *direction) nonce(sequence uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, d.salt[:])
	binary.BigEndian.PutUint64(nonce[nonceSaltSize:], sequence)
	return nonce
}

// Stream applies authenticated encryption to every frame crossing a
// Link. Created only by a successful Handshake.
type Stream struct {
	link Link

	sendMu sync.Mutex
	send   direction

	recvMu sync.Mutex
	recv   direction

	// failure latches the first fatal error. Once set, every
	// subsequent operation returns it: keys must never be reused
	// after an integrity failure.
	failMu  sync.Mutex
	failure error
}

func newStream(link Link, send, recv direction) *Stream {
	return &Stream{link: link, send: send, recv: recv}
}

func (s *Stream) fail(err error) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
	return s.failure
}

func (s *Stream) failed() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

// Write encrypts p and sends it, splitting across frames when p
// exceeds MaxFramePayload. A zero-length write is a no-op: empty
// frames are reserved for handshake confirmation.
func (s *Stream) Write(p []byte) error {
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxFramePayload {
			chunk = p[:MaxFramePayload]
		}
		if err := s.writeFrame(chunk); err != nil {
			return err
		}
		p = p[len(chunk):]
	}
	return nil
}

func (s *Stream) writeFrame(plaintext []byte) error {
	if err := s.failed(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	sequence := s.send.next

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(plaintext)+s.send.aead.Overhead())
	binary.BigEndian.PutUint32(frame[0:4], uint32(8+len(plaintext)+s.send.aead.Overhead()))
	binary.BigEndian.PutUint64(frame[4:12], sequence)

	frame = s.send.aead.Seal(frame, s.send.nonce(sequence), plaintext, frame[:frameHeaderSize])

	if err := s.link.Write(frame); err != nil {
		return s.fail(fmt.Errorf("secure: sending frame %d: %w", sequence, err))
	}
	s.send.next++
	return nil
}

// Read returns the next decrypted payload. It fails the stream on any
// tag mismatch or sequence violation; partial or unauthenticated data
// is never surfaced.
func (s *Stream) Read() ([]byte, error) {
	for {
		plaintext, err := s.readFrame()
		if err != nil {
			return nil, err
		}
		// Empty frames carry no application data (handshake
		// confirmation is consumed before the stream is handed out).
		if len(plaintext) == 0 {
			continue
		}
		return plaintext, nil
	}
}

func (s *Stream) readFrame() ([]byte, error) {
	if err := s.failed(); err != nil {
		return nil, err
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	frame, err := s.link.Read()
	if err != nil {
		// Propagate io.EOF as-is: an orderly peer close is not an
		// integrity event.
		return nil, err
	}

	if len(frame) < frameHeaderSize+s.recv.aead.Overhead() {
		return nil, s.fail(fmt.Errorf("%w: short frame of %d bytes", ErrFrameIntegrity, len(frame)))
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if int(length) != len(frame)-4 {
		return nil, s.fail(fmt.Errorf("%w: length field %d does not match frame of %d bytes", ErrFrameIntegrity, length, len(frame)))
	}
	if len(frame) > frameHeaderSize+MaxFramePayload+s.recv.aead.Overhead() {
		return nil, s.fail(fmt.Errorf("%w: frame of %d bytes exceeds payload bound", ErrFrameIntegrity, len(frame)))
	}

	sequence := binary.BigEndian.Uint64(frame[4:12])
	if sequence != s.recv.next {
		return nil, s.fail(fmt.Errorf("%w: sequence %d, expected %d", ErrFrameIntegrity, sequence, s.recv.next))
	}

	plaintext, err := s.recv.aead.Open(nil, s.recv.nonce(sequence), frame[frameHeaderSize:], frame[:frameHeaderSize])
	if err != nil {
		return nil, s.fail(fmt.Errorf("%w: authentication failed on frame %d", ErrFrameIntegrity, sequence))
	}

	s.recv.next++
	return plaintext, nil
}

// Close makes the stream unusable and scrubs the per-direction nonce
// state. It does not close the underlying link; the session owns that.
func (s *Stream) Close() error {
	s.fail(ErrStreamClosed)
	s.sendMu.Lock()
	wipe(s.send.salt[:])
	s.sendMu.Unlock()
	s.recvMu.Lock()
	wipe(s.recv.salt[:])
	s.recvMu.Unlock()
	return nil
}
