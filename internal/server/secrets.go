// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/xmppd/lib/cache"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/sealed"
	"github.com/bureau-foundation/xmppd/lib/secret"
	"github.com/bureau-foundation/xmppd/lib/sharedsecret"
)

// Secrets is the dialback secret store together with the cache it
// reads through.
type Secrets struct {
	*sharedsecret.Store

	closers []io.Closer
}

// OpenSecrets opens the configured cache, sealed with the configured
// age identity when there is one, and returns the secret store on top.
// Every node of a cluster must open the same cache.
func OpenSecrets(cfg *config.Config, logger *slog.Logger) (*Secrets, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	secrets := &Secrets{}

	var backing cache.Cache
	switch cfg.Cache.Backend {
	case "memory":
		backing = cache.NewMemory()
	case "sqlite":
		database, err := cache.OpenSQLite(cache.SQLiteOptions{
			Path:   cfg.Cache.Path,
			Node:   cfg.Cache.Node,
			Logger: logger.With("component", "cache"),
		})
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		secrets.closers = append(secrets.closers, database)
		backing = database
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	if cfg.Cache.IdentityFile != "" {
		identity, err := secret.ReadFile(cfg.Cache.IdentityFile)
		if err != nil {
			secrets.Close()
			return nil, fmt.Errorf("cache identity: %w", err)
		}
		sealer, err := sealed.NewSealer(identity)
		identity.Close()
		if err != nil {
			secrets.Close()
			return nil, fmt.Errorf("cache identity: %w", err)
		}
		backing = cache.NewSealed(backing, sealer)
	}

	store, err := sharedsecret.New(backing, sharedsecret.Options{Logger: logger.With("component", "sharedsecret")})
	if err != nil {
		secrets.Close()
		return nil, err
	}
	secrets.Store = store
	return secrets, nil
}

// Close forgets the memoized secret and closes the cache.
func (s *Secrets) Close() error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	for _, closer := range s.closers {
		errs = append(errs, closer.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
