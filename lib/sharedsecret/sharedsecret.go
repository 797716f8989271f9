// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharedsecret owns the dialback secret: one random string per
// cluster, created by whichever node asks first and read by every other
// node from the shared cache. The secret is never rotated.
package sharedsecret

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/xmppd/lib/cache"
)

// Name is both the cache lock name and the cache key of the secret.
const Name = "secretKey"

const (
	// DefaultLength is the generated secret length.
	DefaultLength = 32

	// MinimumLength is the shortest secret New accepts.
	MinimumLength = 10
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrLockFailed means the cluster lock guarding the secret could not be
// taken. Callers cannot continue without a secret.
var ErrLockFailed = errors.New("sharedsecret: acquiring secret lock failed")

// Options configures a Store.
type Options struct {
	Logger *slog.Logger

	// Length of a generated secret. Zero means DefaultLength.
	Length int
}

// Store hands out the cluster's dialback secret.
type Store struct {
	cache  cache.Cache
	length int
	logger *slog.Logger

	mu       sync.Mutex
	memoized string
}

// New returns a Store reading and writing through c.
func New(c cache.Cache, options Options) (*Store, error) {
	length := options.Length
	if length == 0 {
		length = DefaultLength
	}
	if length < MinimumLength {
		return nil, fmt.Errorf("sharedsecret: length %d is below the minimum of %d", length, MinimumLength)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{cache: c, length: length, logger: logger}, nil
}

// GetOrCreate returns the secret, generating and storing it if no node
// has yet. Concurrent callers on any number of nodes all observe the
// same value. Once read, the value is served from memory.
func (s *Store) GetOrCreate(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memoized != "" {
		return s.memoized, nil
	}

	unlock, err := s.cache.Lock(ctx, Name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLockFailed, err)
	}
	defer unlock()

	stored, found, err := s.cache.Get(ctx, Name)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	if found && len(stored) > 0 {
		s.memoized = string(stored)
		return s.memoized, nil
	}

	generated := generate(s.length)
	if err := s.cache.Put(ctx, Name, []byte(generated)); err != nil {
		return "", fmt.Errorf("storing secret: %w", err)
	}
	s.logger.Info("generated dialback secret", "length", s.length)
	s.memoized = generated
	return s.memoized, nil
}

// Close forgets the memoized secret. The cluster copy is untouched.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memoized = ""
	return nil
}

func generate(length int) string {
	result := make([]byte, length)
	for index := range result {
		result[index] = alphabet[randomIndex(len(alphabet))]
	}
	return string(result)
}

// randomIndex draws uniformly from [0, n) by rejecting bytes from the
// partial range at the top.
func randomIndex(n int) int {
	limit := 256 - 256%n
	var buf [1]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic("sharedsecret: reading random bytes: " + err.Error())
		}
		if int(buf[0]) < limit {
			return int(buf[0]) % n
		}
	}
}
