// Copyright 2026 The Peerpipe Authors
// SPDX-License-Identifier: Apache-2.0

// peerpipe pipes stdin and stdout over an encrypted peer-to-peer
// byte stream. Two invocations anywhere on the internet that share a
// relay and a passphrase find each other, punch through their NATs,
// and connect their terminals end to end.
//
// Usage:
//
//	peerpipe --relay wss://relay.example.net --passphrase "shared words"
//	peerpipe --relay wss://relay.example.net --passphrase "shared words" --listen
//
// One side passes --listen; the other dials. Data typed on either end
// appears on the other. The relay only ever sees encrypted signaling
// metadata, never the passphrase or the stream contents.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/peerpipe-foundation/peerpipe/secure"
	"github.com/peerpipe-foundation/peerpipe/session"
	sig "github.com/peerpipe-foundation/peerpipe/signal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "peerpipe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		relay       string
		passphrase  string
		listen      bool
		stunServers []string
		seedHex     string
		verbose     bool
	)

	flagSet := pflag.NewFlagSet("peerpipe", pflag.ContinueOnError)
	flagSet.StringVar(&relay, "relay", "", "signaling relay base URL (ws:// or wss://)")
	flagSet.StringVar(&passphrase, "passphrase", "", "shared rendezvous passphrase (or PEERPIPE_PASSPHRASE)")
	flagSet.BoolVar(&listen, "listen", false, "answer the exchange instead of initiating it")
	flagSet.StringSliceVar(&stunServers, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN/TURN server URLs; TURN credentials as url&user&pass")
	flagSet.StringVar(&seedHex, "identity-seed", "", "32-byte hex seed for a stable identity (default: fresh per run)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log establishment progress to stderr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if len(flagSet.Args()) > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Args()[0])
	}

	if passphrase == "" {
		passphrase = os.Getenv("PEERPIPE_PASSPHRASE")
	}
	if relay == "" || passphrase == "" {
		return errors.New("--relay and --passphrase are required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	identity, err := loadIdentity(seedHex)
	if err != nil {
		return err
	}

	role := sig.Initiator
	if listen {
		role = sig.Responder
	}
	endpoint := strings.TrimSuffix(relay, "/") + "/" + sig.DeriveRendezvous(passphrase)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("connecting", "role", role.String(), "fingerprint", identity.Fingerprint())
	pipe, err := session.Dial(ctx, endpoint, session.Config{
		Role:       role,
		Identity:   identity,
		ICEServers: stunServers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer pipe.Close()
	fmt.Fprintf(os.Stderr, "peerpipe: connected, peer fingerprint %s\n", pipe.PeerFingerprint())

	return shuttle(ctx, pipe)
}

// loadIdentity builds the local identity, stable when a seed is given.
func loadIdentity(seedHex string) (*secure.Identity, error) {
	if seedHex == "" {
		return secure.NewIdentity()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("parsing --identity-seed: %w", err)
	}
	identity, err := secure.IdentityFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("deriving identity: %w", err)
	}
	return identity, nil
}

// shuttle copies stdin to the pipe and the pipe to stdout until either
// side ends. A peer close exits cleanly; a session failure does not.
func shuttle(ctx context.Context, pipe *session.Session) error {
	done := make(chan error, 2)

	go func() {
		buffer := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buffer)
			if n > 0 {
				if err := pipe.Write(buffer[:n]); err != nil {
					done <- err
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				done <- err
				return
			}
		}
	}()

	go func() {
		for {
			message, err := pipe.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				done <- err
				return
			}
			if _, err := os.Stdout.Write(message); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}
