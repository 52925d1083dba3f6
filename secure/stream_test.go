// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package secure

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/peerpipe-foundation/peerpipe/signal"
)

// testLink is an in-process Link half. Each half writes into its own
// outbound channel and reads from its inbound one; newLinkPair cross-
// connects two halves directly, newRelayedPair routes each direction
// through a relay function that can observe, tamper, drop, or replay.
type testLink struct {
	out chan []byte
	in  chan []byte

	gone      chan struct{}
	peerGone  chan struct{}
	closeOnce sync.Once
}

func (l *testLink) Write(p []byte) error {
	frame := append([]byte(nil), p...)
	select {
	case l.out <- frame:
		return nil
	case <-l.gone:
		return errors.New("link closed")
	case <-l.peerGone:
		return errors.New("peer link closed")
	}
}

func (l *testLink) Read() ([]byte, error) {
	select {
	case frame := <-l.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-l.in:
		return frame, nil
	case <-l.gone:
		return nil, io.EOF
	case <-l.peerGone:
		return nil, io.EOF
	}
}

func (l *testLink) close() {
	l.closeOnce.Do(func() { close(l.gone) })
}

func newLinkPair() (*testLink, *testLink) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aGone := make(chan struct{})
	bGone := make(chan struct{})
	a := &testLink{out: aToB, in: bToA, gone: aGone, peerGone: bGone}
	b := &testLink{out: bToA, in: aToB, gone: bGone, peerGone: aGone}
	return a, b
}

// newRelayedPair connects two halves through per-direction relay
// functions. A relay returns the frames to deliver for each frame it
// sees; returning nothing drops the frame, returning two replays it.
func newRelayedPair(aToB, bToA func([]byte) [][]byte) (*testLink, *testLink) {
	aOut := make(chan []byte, 64)
	aIn := make(chan []byte, 64)
	bOut := make(chan []byte, 64)
	bIn := make(chan []byte, 64)
	aGone := make(chan struct{})
	bGone := make(chan struct{})

	a := &testLink{out: aOut, in: aIn, gone: aGone, peerGone: bGone}
	b := &testLink{out: bOut, in: bIn, gone: bGone, peerGone: aGone}

	pump := func(from chan []byte, to chan []byte, relay func([]byte) [][]byte) {
		for frame := range from {
			for _, delivered := range relay(frame) {
				to <- delivered
			}
		}
	}
	go pump(aOut, bIn, aToB)
	go pump(bOut, aIn, bToA)
	return a, b
}

func passThrough(frame []byte) [][]byte { return [][]byte{frame} }

// handshakePair runs a full handshake between two link halves and
// returns the two established streams.
func handshakePair(t *testing.T, initiatorLink, responderLink Link) (*Stream, *Stream) {
	t.Helper()
	initiatorIdentity := newTestIdentity(t)
	responderIdentity := newTestIdentity(t)

	type result struct {
		stream *Stream
		err    error
	}
	results := make(chan result, 1)
	go func() {
		stream, _, err := Handshake(context.Background(), initiatorLink, HandshakeConfig{
			Role:     signal.Initiator,
			Identity: initiatorIdentity,
		})
		results <- result{stream, err}
	}()

	responderStream, _, err := Handshake(context.Background(), responderLink, HandshakeConfig{
		Role:     signal.Responder,
		Identity: responderIdentity,
	})
	if err != nil {
		t.Fatalf("responder handshake: %v", err)
	}
	initiator := <-results
	if initiator.err != nil {
		t.Fatalf("initiator handshake: %v", initiator.err)
	}
	return initiator.stream, responderStream
}

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return identity
}

func TestStream_RoundTrip(t *testing.T) {
	linkA, linkB := newLinkPair()
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()

	if err := streamA.Write([]byte("hello from the initiator")); err != nil {
		t.Fatalf("initiator write: %v", err)
	}
	got, err := streamB.Read()
	if err != nil {
		t.Fatalf("responder read: %v", err)
	}
	if string(got) != "hello from the initiator" {
		t.Errorf("responder read %q", got)
	}

	if err := streamB.Write([]byte("hello back")); err != nil {
		t.Fatalf("responder write: %v", err)
	}
	got, err = streamA.Read()
	if err != nil {
		t.Fatalf("initiator read: %v", err)
	}
	if string(got) != "hello back" {
		t.Errorf("initiator read %q", got)
	}
}

func TestStream_CiphertextHidesPlaintext(t *testing.T) {
	var observedMu sync.Mutex
	var observed [][]byte
	observe := func(frame []byte) [][]byte {
		observedMu.Lock()
		observed = append(observed, append([]byte(nil), frame...))
		observedMu.Unlock()
		return [][]byte{frame}
	}
	linkA, linkB := newRelayedPair(observe, passThrough)
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()

	secret := []byte("attack at dawn, bring snacks")
	if err := streamA.Write(secret); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := streamB.Read(); err != nil {
		t.Fatalf("read: %v", err)
	}

	observedMu.Lock()
	defer observedMu.Unlock()
	for _, frame := range observed {
		if bytes.Contains(frame, secret) {
			t.Fatal("plaintext visible on the wire")
		}
	}
}

func TestStream_SplitsLargeWrites(t *testing.T) {
	linkA, linkB := newLinkPair()
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 700) // 11200 bytes, three frames
	if err := streamA.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	var received []byte
	for len(received) < len(payload) {
		chunk, err := streamB.Read()
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(received), err)
		}
		if len(chunk) > MaxFramePayload {
			t.Fatalf("chunk of %d bytes exceeds frame payload bound", len(chunk))
		}
		received = append(received, chunk...)
	}
	if !bytes.Equal(received, payload) {
		t.Error("reassembled payload differs from the original")
	}
}

func TestStream_RejectsTamperedFrame(t *testing.T) {
	handshakeDone := make(chan struct{})
	tamper := func(frame []byte) [][]byte {
		select {
		case <-handshakeDone:
			flipped := append([]byte(nil), frame...)
			flipped[len(flipped)-1] ^= 0x40
			return [][]byte{flipped}
		default:
			return [][]byte{frame}
		}
	}
	linkA, linkB := newRelayedPair(tamper, passThrough)
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()
	close(handshakeDone)

	if err := streamA.Write([]byte("to be mangled")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := streamB.Read(); !errors.Is(err, ErrFrameIntegrity) {
		t.Fatalf("read of tampered frame: got %v, want ErrFrameIntegrity", err)
	}

	// The failure latches: the stream never recovers.
	if _, err := streamB.Read(); !errors.Is(err, ErrFrameIntegrity) {
		t.Errorf("read after integrity failure: got %v, want ErrFrameIntegrity", err)
	}
	if err := streamB.Write([]byte("x")); !errors.Is(err, ErrFrameIntegrity) {
		t.Errorf("write after integrity failure: got %v, want ErrFrameIntegrity", err)
	}
}

func TestStream_RejectsReplayedFrame(t *testing.T) {
	handshakeDone := make(chan struct{})
	replay := func(frame []byte) [][]byte {
		select {
		case <-handshakeDone:
			return [][]byte{frame, frame}
		default:
			return [][]byte{frame}
		}
	}
	linkA, linkB := newRelayedPair(replay, passThrough)
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()
	close(handshakeDone)

	if err := streamA.Write([]byte("once only")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := streamB.Read(); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := streamB.Read(); !errors.Is(err, ErrFrameIntegrity) {
		t.Fatalf("read of replayed frame: got %v, want ErrFrameIntegrity", err)
	}
}

func TestStream_RejectsReorderedFrames(t *testing.T) {
	handshakeDone := make(chan struct{})
	var heldMu sync.Mutex
	var held []byte
	reorder := func(frame []byte) [][]byte {
		select {
		case <-handshakeDone:
		default:
			return [][]byte{frame}
		}
		heldMu.Lock()
		defer heldMu.Unlock()
		if held == nil {
			held = frame
			return nil
		}
		// Deliver the second frame first, then the held one.
		frames := [][]byte{frame, held}
		held = nil
		return frames
	}
	linkA, linkB := newRelayedPair(reorder, passThrough)
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()
	close(handshakeDone)

	if err := streamA.Write([]byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := streamA.Write([]byte("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if _, err := streamB.Read(); !errors.Is(err, ErrFrameIntegrity) {
		t.Fatalf("read of reordered frame: got %v, want ErrFrameIntegrity", err)
	}
}

func TestStream_RejectsOversizedFrame(t *testing.T) {
	linkA, linkB := newLinkPair()
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()

	// An attacker-sized frame goes straight onto the responder's
	// inbound queue, bypassing the sender's framing.
	oversized := make([]byte, frameHeaderSize+MaxFramePayload+streamB.recv.aead.Overhead()+1)
	binary.BigEndian.PutUint32(oversized[0:4], uint32(len(oversized)-4))
	linkB.in <- oversized

	if _, err := streamB.Read(); !errors.Is(err, ErrFrameIntegrity) {
		t.Fatalf("read of oversized frame: got %v, want ErrFrameIntegrity", err)
	}
}

func TestStream_RejectsLengthMismatch(t *testing.T) {
	linkA, linkB := newLinkPair()
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()

	frame := make([]byte, frameHeaderSize+32)
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame))) // off by the length field's own 4 bytes
	linkB.in <- frame

	if _, err := streamB.Read(); !errors.Is(err, ErrFrameIntegrity) {
		t.Fatalf("read of length-mismatched frame: got %v, want ErrFrameIntegrity", err)
	}
}

func TestStream_PeerCloseIsEOF(t *testing.T) {
	linkA, linkB := newLinkPair()
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamA.Close()
	defer streamB.Close()

	linkA.close()
	if _, err := streamB.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("read after peer link close: got %v, want io.EOF", err)
	}
	// An orderly close is not an integrity failure and must not latch
	// one.
	if err := streamB.failed(); errors.Is(err, ErrFrameIntegrity) {
		t.Error("peer close latched an integrity failure")
	}
}

func TestStream_CloseLatches(t *testing.T) {
	linkA, linkB := newLinkPair()
	streamA, streamB := handshakePair(t, linkA, linkB)
	defer streamB.Close()

	if err := streamA.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := streamA.Write([]byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("write after close: got %v, want ErrStreamClosed", err)
	}
	if _, err := streamA.Read(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("read after close: got %v, want ErrStreamClosed", err)
	}
	if err := streamA.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
