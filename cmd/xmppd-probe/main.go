// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// xmppd-probe runs one originating dialback against a remote domain and
// reports whether the remote server accepted us. It reads the same
// configuration as xmppd so that it presents keys the cluster's
// authoritative servers will verify.
//
//	xmppd-probe --config /etc/xmppd.yaml --from example.org --to jabber.example
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/xmppd/dialback"
	"github.com/bureau-foundation/xmppd/internal/server"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/lib/version"
	"github.com/bureau-foundation/xmppd/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		from        string
		to          string
		address     string
		port        int
		timeout     time.Duration
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("xmppd-probe", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to xmppd.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&from, "from", "", "local domain to authenticate as (default: first configured domain)")
	flagSet.StringVar(&to, "to", "", "remote domain to probe (required)")
	flagSet.StringVar(&address, "address", "", "host:port to connect to instead of resolving the remote domain")
	flagSet.IntVar(&port, "port", 0, "fallback port when the remote domain has no SRV records (default: s2s.port)")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall time limit")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every protocol step")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("xmppd-probe")
		return nil
	}
	if to == "" {
		return fmt.Errorf("--to is required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if from == "" {
		from = cfg.Domains.Local[0]
	}
	if port == 0 {
		port = cfg.S2S.Port
	}

	secrets, err := server.OpenSecrets(cfg, logger)
	if err != nil {
		return err
	}
	defer secrets.Close()

	keyDigest, err := digest.Parse(cfg.S2S.Digest)
	if err != nil {
		return err
	}
	resolver := transport.NewOverrideResolver(&transport.SRVResolver{Logger: logger})
	for domain, peer := range cfg.S2S.Peers {
		resolver.Set(domain, peer)
	}
	if address != "" {
		resolver.Set(to, address)
	}

	originator, err := dialback.NewOriginator(dialback.Options{
		Secrets:    secrets,
		Digest:     keyDigest,
		Properties: cfg.Properties(),
		Resolver:   resolver,
		StartTLS:   true,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	started := time.Now()
	session, err := originator.CreateOutgoingSession(ctx, from, to, port)
	if err != nil {
		return fmt.Errorf("dialback %s -> %s failed (%s): %w", from, to, dialback.Condition(err), err)
	}
	defer session.Close()

	fmt.Printf("dialback %s -> %s accepted in %s (stream %s, tls %t)\n",
		from, to, time.Since(started).Round(time.Millisecond), session.StreamID(), session.Secure())
	return nil
}
