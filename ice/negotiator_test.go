// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/peerpipe-foundation/peerpipe/lib/clock"
	"github.com/peerpipe-foundation/peerpipe/signal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// negotiatePair runs a full negotiation between two ends of a memory
// signaling channel and returns the selected paths.
func negotiatePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	channelA, channelB := signal.NewMemoryPair()
	t.Cleanup(func() { channelA.Close(); channelB.Close() })

	initiator, err := NewNegotiator(Config{Role: signal.Initiator, Timeout: 30 * time.Second, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("creating initiator negotiator: %v", err)
	}
	t.Cleanup(func() { initiator.Close() })
	responder, err := NewNegotiator(Config{Role: signal.Responder, Timeout: 30 * time.Second, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("creating responder negotiator: %v", err)
	}
	t.Cleanup(func() { responder.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := initiator.Negotiate(ctx, channelA)
		results <- result{conn, err}
	}()

	responderConn, err := responder.Negotiate(ctx, channelB)
	if err != nil {
		t.Fatalf("responder negotiation: %v", err)
	}
	initiatorResult := <-results
	if initiatorResult.err != nil {
		t.Fatalf("initiator negotiation: %v", initiatorResult.err)
	}
	return initiatorResult.conn, responderConn
}

func TestNegotiate_LoopbackPath(t *testing.T) {
	initiatorConn, responderConn := negotiatePair(t)

	// The selected path carries datagrams both ways.
	payload := []byte("across the selected pair")
	if _, err := initiatorConn.Write(payload); err != nil {
		t.Fatalf("writing on initiator path: %v", err)
	}
	buffer := make([]byte, 1500)
	responderConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := responderConn.Read(buffer)
	if err != nil {
		t.Fatalf("reading on responder path: %v", err)
	}
	if !bytes.Equal(buffer[:n], payload) {
		t.Errorf("responder read %q, want %q", buffer[:n], payload)
	}

	if _, err := responderConn.Write([]byte("and back")); err != nil {
		t.Fatalf("writing on responder path: %v", err)
	}
	initiatorConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = initiatorConn.Read(buffer)
	if err != nil {
		t.Fatalf("reading on initiator path: %v", err)
	}
	if string(buffer[:n]) != "and back" {
		t.Errorf("initiator read %q", buffer[:n])
	}
}

func TestNegotiate_TimesOutWithoutPeer(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	channelA, channelB := signal.NewMemoryPair()
	defer channelA.Close()
	defer channelB.Close()

	negotiator, err := NewNegotiator(Config{
		Role:    signal.Initiator,
		Timeout: 30 * time.Second,
		Clock:   fakeClock,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("creating negotiator: %v", err)
	}
	defer negotiator.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := negotiator.Negotiate(context.Background(), channelA)
		errs <- err
	}()

	// Drain the credentials the negotiator sends, then let it starve.
	if _, err := channelB.Receive(context.Background()); err != nil {
		t.Fatalf("draining credentials: %v", err)
	}
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(30 * time.Second)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrNegotiationFailed) {
			t.Fatalf("starved negotiation: got %v, want ErrNegotiationFailed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("negotiation did not observe the timeout")
	}
}

func TestNegotiate_PeerCloseEnvelopeFails(t *testing.T) {
	channelA, channelB := signal.NewMemoryPair()
	defer channelA.Close()
	defer channelB.Close()

	negotiator, err := NewNegotiator(Config{Role: signal.Initiator, Timeout: 30 * time.Second, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("creating negotiator: %v", err)
	}
	defer negotiator.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := negotiator.Negotiate(context.Background(), channelA)
		errs <- err
	}()

	if _, err := channelB.Receive(context.Background()); err != nil {
		t.Fatalf("draining credentials: %v", err)
	}
	if err := channelB.Send(context.Background(), signal.Envelope{Kind: signal.KindClose}); err != nil {
		t.Fatalf("sending close: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrNegotiationFailed) {
			t.Fatalf("peer departure: got %v, want ErrNegotiationFailed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("negotiation did not observe the peer departure")
	}
}

func TestParseServerURLs_Credentials(t *testing.T) {
	urls, err := parseServerURLs([]string{
		"stun:stun.example.net:3478",
		"turn:turn.example.net:3478&someuser&somepass",
	})
	if err != nil {
		t.Fatalf("parsing server URLs: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("parsed %d URLs, want 2", len(urls))
	}
	if urls[1].Username != "someuser" || urls[1].Password != "somepass" {
		t.Errorf("TURN credentials not applied: %+v", urls[1])
	}
}

func TestParseServerURLs_RejectsGarbage(t *testing.T) {
	if _, err := parseServerURLs([]string{"not a url at all %%%"}); err == nil {
		t.Error("parseServerURLs accepted garbage")
	}
}
