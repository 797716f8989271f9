// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/xmppd/lib/sealed"
)

// Sealed encrypts values with age before they reach the wrapped cache.
// Keys and lock names are stored as-is.
type Sealed struct {
	inner  Cache
	sealer *sealed.Sealer
}

// NewSealed wraps inner.
func NewSealed(inner Cache, sealer *sealed.Sealer) *Sealed {
	return &Sealed{inner: inner, sealer: sealer}
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ciphertext, found, err := s.inner.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	plaintext, err := s.sealer.Open(ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("opening sealed value %q: %w", key, err)
	}
	return plaintext, true, nil
}

func (s *Sealed) Put(ctx context.Context, key string, value []byte) error {
	ciphertext, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("sealing value %q: %w", key, err)
	}
	return s.inner.Put(ctx, key, ciphertext)
}

func (s *Sealed) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *Sealed) Lock(ctx context.Context, name string) (Unlock, error) {
	return s.inner.Lock(ctx, name)
}

var _ Cache = (*Sealed)(nil)
