// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles an xmppd node from its configuration: the
// property store, the dialback secret and the cache behind it, the
// routing table, the federation listener, and the connection-manager
// listener.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/xmppd/dialback"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/lib/secret"
	"github.com/bureau-foundation/xmppd/multiplex"
	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// ErrComponentOffline is returned for stanzas addressed to a configured
// component that has not connected.
var ErrComponentOffline = errors.New("component not connected")

// Server is one running xmppd node.
type Server struct {
	logger     *slog.Logger
	properties *config.Properties
	secrets    *Secrets
	table      *routing.Table
	resolver   *transport.OverrideResolver
	offline    *routing.MemoryOfflineStore
	pool       *dialback.Pool
	dialback   *dialback.Server
	manager    *multiplex.Manager

	s2s       *transport.TCPListener
	multiplex *transport.TCPListener

	closeOnce sync.Once
}

// New builds a node from cfg and binds its listeners. cfg must have
// passed Validate.
func New(cfg *config.Config, logger *slog.Logger) (_ *Server, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	server := &Server{
		logger:     logger,
		properties: cfg.Properties(),
		offline:    routing.NewMemoryOfflineStore(),
	}
	defer func() {
		if err != nil {
			server.Close()
		}
	}()

	server.secrets, err = OpenSecrets(cfg, logger)
	if err != nil {
		return nil, err
	}

	server.table = routing.NewTable(cfg.Domains.Local, logger.With("component", "routing"))
	for _, component := range cfg.Domains.Components {
		name := component
		server.table.AddComponent(name, routing.DelivererFunc(func(context.Context, *xmpp.Element) error {
			return fmt.Errorf("%w: %s: %w", routing.ErrNoRoute, name, ErrComponentOffline)
		}))
	}

	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		return nil, err
	}

	server.resolver = newResolver(cfg, logger)
	keyDigest, err := digest.Parse(cfg.S2S.Digest)
	if err != nil {
		return nil, err
	}
	options := dialback.Options{
		Secrets:    server.secrets.Store,
		Digest:     keyDigest,
		Properties: server.properties,
		Resolver:   server.resolver,
		Port:       cfg.S2S.Port,
		Domains:    server.table,
		Access:     dialback.NewDomainPolicy(cfg.S2S.Allow, cfg.S2S.Deny),
		Sessions:   dialback.NewRegistry(),
		StartTLS:   true,
		Logger:     logger.With("component", "dialback"),
	}
	originator, err := dialback.NewOriginator(options)
	if err != nil {
		return nil, err
	}
	server.pool = dialback.NewPool(originator, cfg.S2S.Port, options.Logger)
	server.table.SetRemote(server.pool)

	server.dialback, err = dialback.NewServer(dialback.ServerOptions{
		Options:   options,
		TLSConfig: tlsConfig,
		Router:    routing.DelivererFunc(server.table.Route),
	})
	if err != nil {
		return nil, err
	}
	server.s2s, err = transport.NewTCPListener(cfg.S2S.Listen, logger.With("listener", "s2s"))
	if err != nil {
		return nil, fmt.Errorf("s2s listener: %w", err)
	}

	if cfg.Multiplex.Listen != "" {
		if err := server.startMultiplex(cfg, tlsConfig); err != nil {
			return nil, err
		}
	}
	return server, nil
}

func (s *Server) startMultiplex(cfg *config.Config, tlsConfig *tls.Config) error {
	managerSecret, err := secret.ReadFile(cfg.Multiplex.SecretFile)
	if err != nil {
		return fmt.Errorf("connection manager secret: %w", err)
	}
	handshakeDigest, err := digest.Parse(cfg.Multiplex.Digest)
	if err != nil {
		managerSecret.Close()
		return err
	}

	users := make(map[string]string, len(cfg.Users))
	for _, user := range cfg.Users {
		users[user.Username] = user.Password
	}
	domain := cfg.Domains.Local[0]
	s.manager, err = multiplex.NewManager(multiplex.Options{
		Domain:        domain,
		Secret:        managerSecret,
		Digest:        handshakeDigest,
		Properties:    s.properties,
		TLSConfig:     tlsConfig,
		Router:        routing.DelivererFunc(s.table.Route),
		Binder:        s.table,
		Offline:       s.offline,
		Authenticator: routing.NewPlainAuthenticator(domain, users),
		Logger:        s.logger.With("component", "multiplex"),
	})
	if err != nil {
		managerSecret.Close()
		return err
	}
	s.multiplex, err = transport.NewTCPListener(cfg.Multiplex.Listen, s.logger.With("listener", "multiplex"))
	if err != nil {
		return fmt.Errorf("multiplex listener: %w", err)
	}
	return nil
}

func loadTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Paths.Certificate == "" {
		return nil, nil
	}
	return transport.ServerTLSConfig(cfg.Paths.Certificate, cfg.Paths.Key)
}

// newResolver consults s2s.peers before DNS.
func newResolver(cfg *config.Config, logger *slog.Logger) *transport.OverrideResolver {
	resolver := transport.NewOverrideResolver(&transport.SRVResolver{Logger: logger})
	for domain, address := range cfg.S2S.Peers {
		resolver.Set(xmpp.FoldDomain(domain), address)
	}
	return resolver
}

// SetPeer pins a remote domain to a federation address, as s2s.peers
// does at startup.
func (s *Server) SetPeer(domain, address string) {
	s.resolver.Set(xmpp.FoldDomain(domain), address)
}

// S2SAddress is the bound federation listener address.
func (s *Server) S2SAddress() string { return s.s2s.Address() }

// MultiplexAddress is the bound connection-manager listener address,
// or "" when that listener is disabled.
func (s *Server) MultiplexAddress() string {
	if s.multiplex == nil {
		return ""
	}
	return s.multiplex.Address()
}

func (s *Server) Table() *routing.Table { return s.table }
func (s *Server) Properties() *config.Properties { return s.properties }
func (s *Server) Offline() *routing.MemoryOfflineStore { return s.offline }
func (s *Server) Pool() *dialback.Pool { return s.pool }
func (s *Server) Manager() *multiplex.Manager { return s.manager }

// Run serves every listener until ctx is cancelled or one fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	var running sync.WaitGroup
	serve := func(listener *transport.TCPListener, handler transport.ConnHandler) {
		running.Add(1)
		go func() {
			defer running.Done()
			if err := listener.Serve(ctx, handler); err != nil && ctx.Err() == nil {
				errs <- err
				cancel()
			}
		}()
	}
	serve(s.s2s, s.dialback)
	if s.multiplex != nil {
		serve(s.multiplex, s.manager)
	}
	s.logger.Info("xmppd running",
		"s2s_address", s.S2SAddress(),
		"multiplex_address", s.MultiplexAddress(),
		"domains", s.table.LocalDomains(),
	)

	<-ctx.Done()
	running.Wait()
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// Close releases listeners, outbound sessions and the cache.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.s2s != nil {
			errs = append(errs, s.s2s.Close())
		}
		if s.multiplex != nil {
			errs = append(errs, s.multiplex.Close())
		}
		if s.manager != nil {
			s.manager.Close()
		}
		if s.pool != nil {
			s.pool.Close()
		}
		if s.secrets != nil {
			errs = append(errs, s.secrets.Close())
		}
	})
	return errors.Join(errs...)
}
