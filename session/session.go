// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerpipe-foundation/peerpipe/ice"
	"github.com/peerpipe-foundation/peerpipe/lib/clock"
	"github.com/peerpipe-foundation/peerpipe/mux"
	"github.com/peerpipe-foundation/peerpipe/secure"
	"github.com/peerpipe-foundation/peerpipe/signal"
)

// ErrSessionClosed is returned from Write and Read once the session
// has been closed locally.
var ErrSessionClosed = errors.New("session: closed")

// ErrNotEstablished is returned from Write and Read on a session that
// never reached the Established state.
var ErrNotEstablished = errors.New("session: not established")

// closeNotifyTimeout bounds the best-effort teardown announcement on
// the signaling channel. Teardown must not block on a dead relay.
const closeNotifyTimeout = 2 * time.Second

// Config parameterizes New.
type Config struct {
	// Role decides every asymmetry in the pipeline: signaling order,
	// which side dials connectivity, which side opens the transport
	// stream, and who speaks first in the handshake. The two peers of
	// a session must hold opposite roles.
	Role signal.Role

	// Channel is the signaling channel to the peer. Ownership passes
	// to the session, which closes it on teardown.
	Channel signal.Channel

	// Identity is the local long-term keypair presented to the peer.
	Identity *secure.Identity

	// ICEServers lists STUN/TURN server URLs for candidate gathering.
	// TURN credentials ride along as "url&username&password".
	ICEServers []string

	// NegotiationTimeout bounds connectivity negotiation; zero selects
	// the negotiator default.
	NegotiationTimeout time.Duration

	// HandshakeTimeout bounds each read of peer handshake material;
	// zero selects the handshake default.
	HandshakeTimeout time.Duration

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives timeouts; nil selects the real clock.
	Clock clock.Clock
}

// Session is one established peerpipe. Write and Read may run
// concurrently with each other and with Close.
type Session struct {
	role   signal.Role
	logger *slog.Logger

	signaling    signal.Channel
	negotiator   *ice.Negotiator
	transport    *mux.Channel
	stream       *secure.Stream
	peerIdentity []byte

	state atomic.Int32

	mu          sync.Mutex
	terminalErr error

	releaseOnce sync.Once
}

// New runs the full establishment pipeline and returns an Established
// session, or the error of whichever stage failed. On failure every
// resource built so far, including config.Channel, has been released.
func New(ctx context.Context, config Config) (*Session, error) {
	if config.Channel == nil {
		return nil, errors.New("session: config.Channel is required")
	}
	if config.Identity == nil {
		return nil, errors.New("session: config.Identity is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	s := &Session{
		role:      config.Role,
		logger:    config.Logger.With("role", config.Role.String()),
		signaling: config.Channel,
	}

	if err := s.establish(ctx, config); err != nil {
		return nil, s.fail(err)
	}
	s.setState(StateEstablished)
	s.logger.Info("session established",
		"local", config.Identity.Fingerprint(),
		"peer", secure.Fingerprint(s.peerIdentity))
	return s, nil
}

// Dial opens a websocket signaling channel at endpoint and builds a
// session over it. The endpoint path selects the rendezvous; derive
// it from a shared passphrase with signal.DeriveRendezvous.
func Dial(ctx context.Context, endpoint string, config Config) (*Session, error) {
	channel, err := signal.DialWebsocket(ctx, endpoint, signal.WebsocketOptions{
		Logger: config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session: signaling dial: %w", err)
	}
	config.Channel = channel
	return New(ctx, config)
}

// establish drives the pipeline: identity announcement, connectivity
// negotiation, transport association, secure handshake. Resources are
// attached to s as they are built so fail() can release a partial
// pipeline.
func (s *Session) establish(ctx context.Context, config Config) error {
	peerKey, err := s.exchangeIdentityKeys(ctx, config)
	if err != nil {
		return err
	}

	s.setState(StateNegotiating)
	negotiator, err := ice.NewNegotiator(ice.Config{
		Role:    config.Role,
		Servers: config.ICEServers,
		Timeout: config.NegotiationTimeout,
		Clock:   config.Clock,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	s.negotiator = negotiator

	conn, err := negotiator.Negotiate(ctx, s.signaling)
	if err != nil {
		return err
	}

	transport, err := mux.Open(ctx, conn, mux.Config{
		Role:   config.Role,
		Logger: s.logger,
	})
	if err != nil {
		return err
	}
	s.transport = transport

	s.setState(StateHandshaking)
	stream, peerIdentity, err := secure.Handshake(ctx, transport, secure.HandshakeConfig{
		Role:         config.Role,
		Identity:     config.Identity,
		ExpectedPeer: peerKey,
		Timeout:      config.HandshakeTimeout,
		Clock:        config.Clock,
	})
	if err != nil {
		return err
	}
	s.stream = stream
	s.peerIdentity = peerIdentity
	return nil
}

// exchangeIdentityKeys announces the local public identity key over
// signaling and collects the peer's. The Initiator sends first; both
// directions complete before negotiation puts any other traffic on
// the channel, so the first envelope each side receives is the key.
func (s *Session) exchangeIdentityKeys(ctx context.Context, config Config) ([]byte, error) {
	hello := signal.Envelope{
		Kind:        signal.KindIdentityKey,
		IdentityKey: config.Identity.Public(),
	}
	send := func() error {
		if err := s.signaling.Send(ctx, hello); err != nil {
			return fmt.Errorf("session: announce identity: %w", err)
		}
		return nil
	}
	receive := func() ([]byte, error) {
		envelope, err := s.signaling.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: receive peer identity: %w", err)
		}
		if envelope.Kind != signal.KindIdentityKey {
			return nil, fmt.Errorf("session: expected identity key, got %s envelope", envelope.Kind)
		}
		return envelope.IdentityKey, nil
	}

	if config.Role == signal.Initiator {
		if err := send(); err != nil {
			return nil, err
		}
		return receive()
	}
	peerKey, err := receive()
	if err != nil {
		return nil, err
	}
	if err := send(); err != nil {
		return nil, err
	}
	return peerKey, nil
}

// Write encrypts and sends p to the peer. Only valid while
// Established; the first failure is terminal for the session.
func (s *Session) Write(p []byte) error {
	if err := s.usable(false); err != nil {
		return err
	}
	if err := s.stream.Write(p); err != nil {
		return s.fail(err)
	}
	return nil
}

// Read returns the next plaintext from the peer. io.EOF reports an
// orderly close by the peer; any other error is terminal. Read keeps
// draining during Closing.
func (s *Session) Read() ([]byte, error) {
	if err := s.usable(true); err != nil {
		return nil, err
	}
	data, err := s.stream.Read()
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, io.EOF):
		// Peer tore down cleanly. Local resources are released, but
		// the caller still owns Close.
		s.release()
		if s.State() != StateClosing {
			s.setState(StateClosed)
		}
		return nil, io.EOF
	case errors.Is(err, secure.ErrStreamClosed) && s.State() == StateClosing:
		return nil, io.EOF
	default:
		return nil, s.fail(err)
	}
}

// usable checks that the session is in a state where stream I/O is
// allowed, translating terminal states into their API errors.
func (s *Session) usable(reading bool) error {
	switch state := s.State(); state {
	case StateEstablished:
		return nil
	case StateClosing:
		if reading {
			return nil
		}
		return ErrSessionClosed
	case StateClosed:
		if reading {
			return io.EOF
		}
		return ErrSessionClosed
	case StateFailed:
		return s.Err()
	default:
		return ErrNotEstablished
	}
}

// Close tears the session down in order: the encrypted stream first
// so key material is wiped, then the transport (which drains buffered
// frames), then connectivity, then signaling after a best-effort
// teardown announcement. Safe to call from any state and more than
// once.
func (s *Session) Close() error {
	switch s.State() {
	case StateClosed, StateFailed:
		s.release()
		return nil
	}
	s.setState(StateClosing)
	s.release()
	s.setState(StateClosed)
	return nil
}

// release frees every resource the pipeline attached, exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if s.stream != nil {
			s.stream.Close()
		}
		if s.transport != nil {
			if err := s.transport.Close(); err != nil {
				s.logger.Debug("transport close", "error", err)
			}
		}
		if s.negotiator != nil {
			if err := s.negotiator.Close(); err != nil {
				s.logger.Debug("negotiator close", "error", err)
			}
		}
		if s.signaling != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeNotifyTimeout)
			if err := s.signaling.Send(ctx, signal.Envelope{Kind: signal.KindClose}); err != nil &&
				!errors.Is(err, signal.ErrChannelClosed) {
				s.logger.Debug("close announcement", "error", err)
			}
			cancel()
			s.signaling.Close()
		}
	})
}

// fail records the first terminal error, moves the session to Failed,
// and releases everything. Returns the recorded error so callers can
// hand the caller the same error on every subsequent call.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.terminalErr == nil {
		s.terminalErr = err
	}
	err = s.terminalErr
	s.mu.Unlock()
	s.setState(StateFailed)
	s.logger.Warn("session failed", "error", err)
	s.release()
	return err
}

// Role returns the session's role in the exchange.
func (s *Session) Role() signal.Role {
	return s.role
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	for {
		current := s.state.Load()
		// Terminal states win races with concurrent transitions.
		if State(current) == StateFailed || State(current) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(current, int32(state)) {
			s.logger.Debug("session state", "from", State(current).String(), "to", state.String())
			return
		}
	}
}

// Err returns the terminal error of a Failed session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// PeerIdentity returns the peer's public identity key as verified
// during the handshake. Nil before Established.
func (s *Session) PeerIdentity() []byte {
	if s.peerIdentity == nil {
		return nil
	}
	key := make([]byte, len(s.peerIdentity))
	copy(key, s.peerIdentity)
	return key
}

// PeerFingerprint returns the fingerprint of the peer's identity key,
// empty before Established.
func (s *Session) PeerFingerprint() string {
	if s.peerIdentity == nil {
		return ""
	}
	return secure.Fingerprint(s.peerIdentity)
}
