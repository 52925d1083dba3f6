// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/peerpipe-foundation/peerpipe/lib/clock"
	"github.com/peerpipe-foundation/peerpipe/lib/pionlog"
	"github.com/peerpipe-foundation/peerpipe/signal"
)

// ErrNegotiationFailed is the terminal error when no usable path is
// found: connectivity checks exhausted, the engine reported failure,
// or the negotiation deadline passed.
var ErrNegotiationFailed = errors.New("ice: negotiation failed")

// defaultNegotiationTimeout bounds the whole negotiation, from
// credential exchange to a selected candidate pair.
const defaultNegotiationTimeout = 30 * time.Second

// candidateQueue buffers locally gathered candidates between the
// engine callback and the signaling sender. Gathering rarely produces
// more than a handful.
const candidateQueue = 16

// Config parameterizes a Negotiator.
type Config struct {
	// Role decides which side dials (Initiator) and which accepts
	// (Responder) once candidates are flowing.
	Role signal.Role

	// Servers lists STUN/TURN server URLs for candidate gathering.
	// TURN credentials ride along as "url&username&password". Empty
	// means host candidates only — sufficient for same-LAN peers and
	// loopback tests.
	Servers []string

	// Timeout bounds the negotiation. Zero selects the default.
	Timeout time.Duration

	// Clock drives the timeout; nil selects the real clock.
	Clock clock.Clock

	// Logger receives negotiation progress events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// LoggerFactory feeds the pion engine's internal logging. Nil
	// bridges the engine into Logger.
	LoggerFactory logging.LoggerFactory
}

// Negotiator owns one ICE agent for one session. Create with
// NewNegotiator, run Negotiate once, and Close when the session ends —
// closing the agent also closes the path handle Negotiate produced.
type Negotiator struct {
	agent   *ice.Agent
	role    signal.Role
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	// localCandidates carries marshalled candidates from the engine's
	// gathering callback to the signaling sender goroutine.
	localCandidates chan string

	// engineFailed is closed when the engine reports the Failed
	// connection state.
	engineFailed     chan struct{}
	engineFailedOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// NewNegotiator builds the ICE agent and registers its callbacks.
// Gathering does not start until Negotiate runs.
func NewNegotiator(config Config) (*Negotiator, error) {
	if config.Timeout <= 0 {
		config.Timeout = defaultNegotiationTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = pionlog.Factory(config.Logger)
	}

	urls, err := parseServerURLs(config.Servers)
	if err != nil {
		return nil, err
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls: urls,
		NetworkTypes: []ice.NetworkType{
			ice.NetworkTypeUDP4,
			ice.NetworkTypeUDP6,
		},
		// Loopback candidates make same-machine pipes and test
		// environments work where loopback is the only interface.
		IncludeLoopback:  true,
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		LoggerFactory:    config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("ice: creating agent: %w", err)
	}

	negotiator := &Negotiator{
		agent:           agent,
		role:            config.Role,
		timeout:         config.Timeout,
		clock:           config.Clock,
		logger:          config.Logger,
		localCandidates: make(chan string, candidateQueue),
		engineFailed:    make(chan struct{}),
		closed:          make(chan struct{}),
	}

	if err := agent.OnCandidate(negotiator.handleLocalCandidate); err != nil {
		agent.Close()
		return nil, fmt.Errorf("ice: registering candidate handler: %w", err)
	}
	if err := agent.OnConnectionStateChange(negotiator.handleStateChange); err != nil {
		agent.Close()
		return nil, fmt.Errorf("ice: registering state handler: %w", err)
	}

	return negotiator, nil
}

// handleLocalCandidate queues each gathered candidate for the
// signaling sender. The engine signals end-of-gathering with nil.
func (n *Negotiator) handleLocalCandidate(candidate ice.Candidate) {
	if candidate == nil {
		return
	}
	select {
	case n.localCandidates <- candidate.Marshal():
	case <-n.closed:
	}
}

func (n *Negotiator) handleStateChange(state ice.ConnectionState) {
	n.logger.Info("connectivity state change", "state", state.String())
	if state == ice.ConnectionStateFailed {
		n.engineFailedOnce.Do(func() { close(n.engineFailed) })
	}
}

// Negotiate exchanges credentials and candidates over the signaling
// channel and drives connectivity checks until one path is selected.
// It returns the selected datagram path or an error wrapping
// ErrNegotiationFailed; exactly one of the two, exactly once.
func (n *Negotiator) Negotiate(ctx context.Context, channel signal.Channel) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ufrag, pwd, err := n.agent.GetLocalUserCredentials()
	if err != nil {
		return nil, fmt.Errorf("ice: reading local credentials: %w", err)
	}
	err = channel.Send(ctx, signal.Envelope{
		Kind:  signal.KindCredentials,
		Ufrag: ufrag,
		Pwd:   pwd,
	})
	if err != nil {
		return nil, fmt.Errorf("ice: sending local credentials: %w", err)
	}

	if err := n.agent.GatherCandidates(); err != nil {
		return nil, fmt.Errorf("ice: starting candidate gathering: %w", err)
	}

	// Two shuttle goroutines: one forwards locally gathered candidates
	// to the peer, one ingests envelopes from the peer. Only the
	// receiver mutates agent state, preserving single-writer
	// discipline on the remote candidate set.
	exchangeFailed := make(chan error, 2)
	remoteCredentials := make(chan signal.Envelope, 1)
	go n.sendCandidates(ctx, channel, exchangeFailed)
	go n.receiveEnvelopes(ctx, channel, remoteCredentials, exchangeFailed)

	deadline := n.clock.After(n.timeout)

	var credentials signal.Envelope
	select {
	case credentials = <-remoteCredentials:
	case err := <-exchangeFailed:
		return nil, err
	case <-n.engineFailed:
		return nil, fmt.Errorf("%w: connectivity checks failed", ErrNegotiationFailed)
	case <-deadline:
		return nil, fmt.Errorf("%w: no peer credentials within %s", ErrNegotiationFailed, n.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Candidates keep trickling in the background while the
	// connectivity checks run.
	type connectResult struct {
		conn net.Conn
		err  error
	}
	results := make(chan connectResult, 1)
	go func() {
		var conn net.Conn
		var err error
		if n.role == signal.Initiator {
			conn, err = n.agent.Dial(ctx, credentials.Ufrag, credentials.Pwd)
		} else {
			conn, err = n.agent.Accept(ctx, credentials.Ufrag, credentials.Pwd)
		}
		results <- connectResult{conn, err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, result.err)
		}
		n.logger.Info("path established", "role", n.role.String())
		return result.conn, nil
	case err := <-exchangeFailed:
		return nil, err
	case <-n.engineFailed:
		return nil, fmt.Errorf("%w: connectivity checks failed", ErrNegotiationFailed)
	case <-deadline:
		return nil, fmt.Errorf("%w: no usable path within %s", ErrNegotiationFailed, n.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendCandidates forwards locally gathered candidates to the peer for
// as long as the negotiation lives.
func (n *Negotiator) sendCandidates(ctx context.Context, channel signal.Channel, failed chan<- error) {
	for {
		select {
		case candidate := <-n.localCandidates:
			err := channel.Send(ctx, signal.Envelope{
				Kind:      signal.KindCandidate,
				Candidate: candidate,
			})
			if err != nil {
				failed <- fmt.Errorf("ice: sending candidate: %w", err)
				return
			}
			n.logger.Debug("candidate sent", "candidate", candidate)
		case <-ctx.Done():
			return
		case <-n.closed:
			return
		}
	}
}

// receiveEnvelopes ingests peer signaling: credentials once,
// candidates as they trickle in (late arrivals accepted until the
// negotiation reaches a terminal state), and Close as a fatal peer
// departure. Unparseable candidates are logged and skipped — the
// checks decide whether enough remain.
func (n *Negotiator) receiveEnvelopes(ctx context.Context, channel signal.Channel, credentials chan<- signal.Envelope, failed chan<- error) {
	credentialsSeen := false
	for {
		envelope, err := channel.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed <- fmt.Errorf("ice: receiving from signaling channel: %w", err)
			return
		}

		switch envelope.Kind {
		case signal.KindCredentials:
			if credentialsSeen {
				n.logger.Warn("duplicate peer credentials ignored")
				continue
			}
			credentialsSeen = true
			credentials <- envelope
		case signal.KindCandidate:
			candidate, err := ice.UnmarshalCandidate(envelope.Candidate)
			if err != nil {
				n.logger.Warn("discarding unparseable candidate", "error", err)
				continue
			}
			if err := n.agent.AddRemoteCandidate(candidate); err != nil {
				n.logger.Warn("discarding rejected candidate", "error", err)
				continue
			}
			n.logger.Debug("candidate received", "candidate", envelope.Candidate)
		case signal.KindClose:
			failed <- fmt.Errorf("%w: peer closed the signaling exchange", ErrNegotiationFailed)
			return
		default:
			// Identity envelopes belong to the session layer; anything
			// else here is peer noise.
			n.logger.Warn("unexpected signaling envelope", "kind", envelope.Kind.String())
		}
	}
}

// Close shuts down the agent and with it any path handle Negotiate
// returned. Safe to call at any time, from any goroutine.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		err = n.agent.Close()
	})
	return err
}

// parseServerURLs parses STUN/TURN URLs, with optional credentials
// appended as "url&username&password".
func parseServerURLs(servers []string) ([]*stun.URI, error) {
	urls := make([]*stun.URI, 0, len(servers))
	for _, server := range servers {
		fields := strings.SplitN(server, "&", 3)
		uri, err := stun.ParseURI(fields[0])
		if err != nil {
			return nil, fmt.Errorf("ice: parsing server URL %q: %w", fields[0], err)
		}
		if len(fields) > 1 {
			uri.Username = fields[1]
		}
		if len(fields) > 2 {
			uri.Password = fields[2]
		}
		urls = append(urls, uri)
	}
	return urls, nil
}
