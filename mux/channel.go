// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sctp"

	"github.com/peerpipe-foundation/peerpipe/lib/pionlog"
	"github.com/peerpipe-foundation/peerpipe/signal"
)

// ErrTransportClosed reports an association torn down outside an
// orderly close: peer reset, path failure, or engine error on an
// established session.
var ErrTransportClosed = errors.New("mux: transport closed")

// MaxMessageSize is the largest message one Write accepts. Sized so an
// encrypted frame (payload, header, tag) always fits one SCTP message.
const MaxMessageSize = 8 * 1024

// maxBufferedAmount is the send-buffer level above which Write applies
// backpressure instead of queueing without bound.
const maxBufferedAmount = 4 * 1024 * 1024

// maxReceiveBuffer caps the association's receive window.
const maxReceiveBuffer = 4 * 1024 * 1024

// Close drains buffered data before shutting the stream down, bounded
// so a stalled peer cannot hold teardown hostage.
const (
	drainTimeout  = 5 * time.Second
	drainInterval = 10 * time.Millisecond
)

// Config parameterizes Open.
type Config struct {
	// Role selects association asymmetry: the Initiator acts as the
	// opening (client) side, the Responder as the accepting (server)
	// side.
	Role signal.Role

	// Logger receives channel lifecycle events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// LoggerFactory feeds the engine's internal logging. Nil bridges
	// the engine into Logger.
	LoggerFactory logging.LoggerFactory
}

// Channel is the single reliable ordered message channel of one
// session. Safe for one concurrent reader plus one concurrent writer.
type Channel struct {
	association *sctp.Association
	stream      *sctp.Stream
	logger      *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// Open establishes the association and its stream over the given
// datagram path. It blocks until both sides are up or ctx is done; on
// cancellation the path conn is closed to unblock the engine.
func Open(ctx context.Context, conn net.Conn, config Config) (*Channel, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = pionlog.Factory(config.Logger)
	}

	association, err := openAssociation(ctx, conn, config)
	if err != nil {
		return nil, err
	}

	stream, err := openStream(ctx, association, config.Role)
	if err != nil {
		association.Close()
		return nil, err
	}

	channel := &Channel{
		association: association,
		stream:      stream,
		logger:      config.Logger,
		closed:      make(chan struct{}),
	}

	// Liveness probe, sent outside the application payload space. For
	// the accepting side the peer's probe is also what surfaces the
	// stream at all.
	if _, err := stream.WriteSCTP([]byte{0}, sctp.PayloadTypeWebRTCStringEmpty); err != nil {
		channel.Close()
		return nil, fmt.Errorf("mux: sending stream probe: %w", err)
	}

	config.Logger.Info("transport channel open", "role", config.Role.String())
	return channel, nil
}

func openAssociation(ctx context.Context, conn net.Conn, config Config) (*sctp.Association, error) {
	sctpConfig := sctp.Config{
		NetConn:              conn,
		MaxReceiveBufferSize: maxReceiveBuffer,
		LoggerFactory:        config.LoggerFactory,
		Name:                 "peerpipe",
	}

	type result struct {
		association *sctp.Association
		err         error
	}
	results := make(chan result, 1)
	go func() {
		var association *sctp.Association
		var err error
		if config.Role == signal.Initiator {
			association, err = sctp.Client(sctpConfig)
		} else {
			association, err = sctp.Server(sctpConfig)
		}
		results <- result{association, err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("mux: establishing association: %w", r.err)
		}
		return r.association, nil
	case <-ctx.Done():
		// Closing the path unblocks the engine handshake.
		conn.Close()
		if r := <-results; r.err == nil {
			r.association.Close()
		}
		return nil, ctx.Err()
	}
}

func openStream(ctx context.Context, association *sctp.Association, role signal.Role) (*sctp.Stream, error) {
	if role == signal.Initiator {
		stream, err := association.OpenStream(1, sctp.PayloadTypeWebRTCBinary)
		if err != nil {
			return nil, fmt.Errorf("mux: opening stream: %w", err)
		}
		return stream, nil
	}

	type result struct {
		stream *sctp.Stream
		err    error
	}
	results := make(chan result, 1)
	go func() {
		stream, err := association.AcceptStream()
		results <- result{stream, err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("mux: accepting stream: %w", r.err)
		}
		return r.stream, nil
	case <-ctx.Done():
		association.Close()
		return nil, ctx.Err()
	}
}

// Write sends p as one message, blocking while the send buffer is
// above the backpressure threshold.
func (c *Channel) Write(p []byte) error {
	if len(p) > MaxMessageSize {
		return fmt.Errorf("mux: message of %d bytes exceeds limit of %d", len(p), MaxMessageSize)
	}
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}

	if _, err := c.stream.WriteSCTP(p, sctp.PayloadTypeWebRTCBinary); err != nil {
		return fmt.Errorf("mux: writing message: %w", err)
	}

	for c.stream.BufferedAmount() > maxBufferedAmount {
		select {
		case <-c.closed:
			return ErrTransportClosed
		default:
			time.Sleep(drainInterval)
		}
	}
	return nil
}

// Read returns the next message. io.EOF reports an orderly shutdown:
// the peer closed the stream, or the local side requested Close.
// Non-application messages (the liveness probe) are skipped.
func (c *Channel) Read() ([]byte, error) {
	buffer := make([]byte, MaxMessageSize)
	for {
		n, identifier, err := c.stream.ReadSCTP(buffer)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			select {
			case <-c.closed:
				return nil, io.EOF
			default:
			}
			return nil, fmt.Errorf("mux: reading message: %w", err)
		}
		if identifier != sctp.PayloadTypeWebRTCBinary {
			continue
		}

		message := make([]byte, n)
		copy(message, buffer[:n])
		return message, nil
	}
}

// Close drains in-flight data (bounded) and tears down the stream and
// association. Reads unblocked by the teardown report io.EOF rather
// than a transport error.
func (c *Channel) Close() error {
	var streamErr, associationErr error
	c.closeOnce.Do(func() {
		close(c.closed)

		deadline := time.Now().Add(drainTimeout)
		for c.stream.BufferedAmount() > 0 && time.Now().Before(deadline) {
			time.Sleep(drainInterval)
		}

		streamErr = c.stream.Close()
		associationErr = c.association.Close()
	})
	if streamErr != nil {
		return streamErr
	}
	return associationErr
}
