// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"errors"
	"log/slog"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/transport"
)

// DefaultPort is the federation port used when a domain has no SRV
// record.
const DefaultPort = 5269

// Options carries the collaborators of the dialback roles. Each role
// constructor uses the fields it needs and ignores the rest.
type Options struct {
	// Secrets is required by the originating and authoritative roles.
	Secrets Secrets

	// Digest derives keys. Defaults to digest.Keyed. All servers of a
	// cluster must agree on it.
	Digest digest.Func

	// Properties supplies the runtime-writable settings. Defaults to an
	// empty store, which yields the documented defaults.
	Properties *config.Properties

	// Resolver and Dialer reach remote servers. Default to an
	// SRVResolver and a TCPDialer.
	Resolver transport.Resolver
	Dialer   transport.Dialer

	// Port is the fallback federation port. Defaults to DefaultPort.
	Port int

	// Domains is required by the receiving and authoritative roles.
	Domains DomainTable

	// Access defaults to AllowAll.
	Access AccessPolicy

	// Sessions defaults to a fresh Registry.
	Sessions Sessions

	// StartTLS makes the originating role negotiate TLS when the
	// receiving server offers it.
	StartTLS bool

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Digest == nil {
		o.Digest = digest.Keyed
	}
	if o.Properties == nil {
		o.Properties = config.NewProperties(nil)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Resolver == nil {
		o.Resolver = &transport.SRVResolver{Logger: o.Logger}
	}
	if o.Dialer == nil {
		o.Dialer = &transport.TCPDialer{}
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Access == nil {
		o.Access = AllowAll{}
	}
	if o.Sessions == nil {
		o.Sessions = NewRegistry()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

var (
	errNoSecrets = errors.New("dialback: Options.Secrets is required")
	errNoDomains = errors.New("dialback: Options.Domains is required")
)
