// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is the keyed store xmppd nodes share: a handful of
// named values plus named locks that are exclusive across every
// process using the same backing store.
//
// [Memory] serves a single process. [SQLite] serves every process that
// opens the same database file, and is what a cluster of nodes on one
// host (or on a shared filesystem with working POSIX locks) uses.
// [Sealed] encrypts values on their way into either.
package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Unlock releases a lock obtained from Cache.Lock. Calling it more than
// once has no further effect.
type Unlock func()

// Cache is a keyed byte store with named mutual exclusion.
type Cache interface {
	// Get returns the value stored under key. found is false when no
	// value is stored.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Lock blocks until the named lock is held by the caller or ctx
	// ends. Lock names and value keys are separate namespaces.
	Lock(ctx context.Context, name string) (Unlock, error)
}
