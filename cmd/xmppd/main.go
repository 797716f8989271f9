// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// xmppd is the federation core of an XMPP server: it accepts and
// originates server-to-server connections authenticated by dialback,
// and serves connection managers that multiplex client streams.
//
// Configuration comes from a YAML (or JSONC) file named by --config or
// the XMPPD_CONFIG environment variable. SIGINT and SIGTERM shut the
// daemon down, closing every stream with system-shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/xmppd/internal/server"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/version"
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
		logLevel    string
		logFormat   string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("xmppd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to xmppd.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "text", "text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("xmppd")
		return nil
	}

	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var cfg *config.Config
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	logger.Info("starting xmppd",
		"version", version.Info(),
		"environment", cfg.Environment,
	)
	if err := node.Run(ctx); err != nil {
		return err
	}
	logger.Info("xmppd stopped")
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	options := &slog.HandlerOptions{Level: parsed}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("--log-format: unknown format %q (expected text or json)", format)
	}
}
