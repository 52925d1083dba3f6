// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Channel = (*WebsocketChannel)(nil)

// Keepalive timing: the channel pings the relay every pingInterval and
// treats pongSilence without any pong as a dead relay. Negotiation can
// legitimately sit idle while ICE probes run, so the silence window is
// generous.
const (
	defaultPingInterval = 15 * time.Second
	defaultPongSilence  = 60 * time.Second
)

// writeTimeout bounds a single websocket write. Signaling messages are
// tiny; a write that cannot complete quickly means the relay is gone.
const writeTimeout = 10 * time.Second

// WebsocketOptions tunes a WebsocketChannel. Zero values select
// defaults.
type WebsocketOptions struct {
	// PingInterval is how often a keepalive ping is sent.
	PingInterval time.Duration

	// PongSilence is how long the channel tolerates no pong before
	// failing. Must exceed PingInterval.
	PongSilence time.Duration

	// Logger receives channel lifecycle events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// WebsocketChannel is the production signaling channel: a websocket
// connection to a rendezvous relay that forwards binary messages
// verbatim between the two peers connected to the same rendezvous
// name. The relay sees CBOR envelopes (candidates, credentials,
// public identity keys) and nothing secret.
type WebsocketChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	inbound chan Envelope

	// readFailed is closed by the read loop on its way out; readErr
	// holds the cause and is immutable afterwards.
	readFailed chan struct{}
	readErr    error

	closed    chan struct{}
	closeOnce sync.Once

	pingInterval time.Duration
	pongSilence  time.Duration
}

// DialWebsocket connects to the rendezvous relay at endpoint (a ws://
// or wss:// URL, typically base + DeriveRendezvous(passphrase)) and
// starts the read and keepalive loops.
func DialWebsocket(ctx context.Context, endpoint string, options WebsocketOptions) (*WebsocketChannel, error) {
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dialing %s: %w", endpoint, err)
	}
	if response != nil && response.Body != nil {
		response.Body.Close()
	}

	channel := &WebsocketChannel{
		conn:         conn,
		logger:       options.Logger,
		inbound:      make(chan Envelope, memoryBuffer),
		readFailed:   make(chan struct{}),
		closed:       make(chan struct{}),
		pingInterval: options.PingInterval,
		pongSilence:  options.PongSilence,
	}
	if channel.logger == nil {
		channel.logger = slog.Default()
	}
	if channel.pingInterval <= 0 {
		channel.pingInterval = defaultPingInterval
	}
	if channel.pongSilence <= 0 {
		channel.pongSilence = defaultPongSilence
	}

	conn.SetReadDeadline(time.Now().Add(channel.pongSilence))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(channel.pongSilence))
	})

	go channel.readLoop()
	go channel.keepalive()

	return channel, nil
}

func (c *WebsocketChannel) Send(ctx context.Context, envelope Envelope) error {
	data, err := envelope.Encode()
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-c.readFailed:
		select {
		case <-c.closed:
			return ErrChannelClosed
		default:
		}
		return fmt.Errorf("signal: channel failed: %w", c.readErr)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("signal: sending %s envelope: %w", envelope.Kind, err)
	}
	return nil
}

func (c *WebsocketChannel) Receive(ctx context.Context) (Envelope, error) {
	select {
	case envelope := <-c.inbound:
		return envelope, nil
	default:
	}
	select {
	case envelope := <-c.inbound:
		return envelope, nil
	case <-c.closed:
		return Envelope{}, ErrChannelClosed
	case <-c.readFailed:
		// A local Close also fails the read loop; report the close.
		select {
		case <-c.closed:
			return Envelope{}, ErrChannelClosed
		default:
		}
		return Envelope{}, fmt.Errorf("signal: channel failed: %w", c.readErr)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *WebsocketChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		// Best-effort close frame so the relay can release the
		// rendezvous promptly.
		c.writeMu.Lock()
		deadline := time.Now().Add(writeTimeout)
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		c.writeMu.Unlock()

		c.conn.Close()
	})
	return nil
}

// readLoop pulls messages off the websocket, decodes envelopes, and
// queues them for Receive. Non-binary messages are relay chatter and
// are skipped. The loop exits on the first read error, which after a
// local Close is the expected teardown.
func (c *WebsocketChannel) readLoop() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			close(c.readFailed)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		envelope, err := DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("discarding malformed signaling message", "error", err)
			continue
		}

		select {
		case c.inbound <- envelope:
		case <-c.closed:
			return
		}
	}
}

// keepalive pings the relay on a fixed interval. Pongs push the read
// deadline forward; a silent relay eventually fails the read loop with
// a deadline error.
func (c *WebsocketChannel) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-c.readFailed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeTimeout),
			)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("keepalive ping failed", "error", err)
			}
		}
	}
}
