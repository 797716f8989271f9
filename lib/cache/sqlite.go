// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/codec"
	"github.com/bureau-foundation/xmppd/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	name  TEXT PRIMARY KEY,
	entry BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_locks (
	name  TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	lease BLOB NOT NULL
);
`

const (
	// DefaultLeaseDuration bounds how long a crashed holder can keep a
	// lock. Holders only keep locks for a read and a write.
	DefaultLeaseDuration = 30 * time.Second

	// DefaultPollInterval is how often a waiting Lock retries.
	DefaultPollInterval = 50 * time.Millisecond
)

// entry is the CBOR record stored per key.
type entry struct {
	Value   []byte    `cbor:"1,keyasint"`
	Written time.Time `cbor:"2,keyasint"`
	Node    string    `cbor:"3,keyasint,omitempty"`
}

// lease is the CBOR record stored per held lock.
type lease struct {
	Owner    string    `cbor:"1,keyasint"`
	Acquired time.Time `cbor:"2,keyasint"`
	Expires  time.Time `cbor:"3,keyasint"`
}

// SQLiteOptions configures a SQLite cache.
type SQLiteOptions struct {
	// Path is the database file shared by all nodes.
	Path string

	// Node names this process in lease owners and entries. Defaults to
	// a random identifier.
	Node string

	LeaseDuration time.Duration
	PollInterval  time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// SQLite is a Cache backed by a database file. Locks are lease rows:
// acquiring inserts a row inside an immediate transaction, so two
// processes cannot both see the name free. A lease past its expiry is
// taken over, which recovers locks held by a process that died.
type SQLite struct {
	pool          *sqlitepool.Pool
	node          string
	leaseDuration time.Duration
	pollInterval  time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// OpenSQLite opens (creating if needed) the cache database.
func OpenSQLite(options SQLiteOptions) (*SQLite, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   options.Path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	cache := &SQLite{
		pool:          pool,
		node:          options.Node,
		leaseDuration: options.LeaseDuration,
		pollInterval:  options.PollInterval,
		clock:         options.Clock,
		logger:        logger,
	}
	if cache.node == "" {
		cache.node = uuid.NewString()
	}
	if cache.leaseDuration <= 0 {
		cache.leaseDuration = DefaultLeaseDuration
	}
	if cache.pollInterval <= 0 {
		cache.pollInterval = DefaultPollInterval
	}
	if cache.clock == nil {
		cache.clock = clock.Real()
	}
	return cache, nil
}

// Close closes the underlying pool. Locks still held are left to expire.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	raw, found, err := readBlob(conn, "SELECT entry FROM cache_entries WHERE name = ?", key)
	if err != nil || !found {
		return nil, false, err
	}
	var stored entry
	if err := codec.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decoding cache entry %q: %w", key, err)
	}
	return stored.Value, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	raw, err := codec.Marshal(entry{Value: value, Written: s.clock.Now(), Node: s.node})
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", key, err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO cache_entries (name, entry) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET entry = excluded.entry",
		&sqlitex.ExecOptions{Args: []any{key, raw}})
	if err != nil {
		return fmt.Errorf("writing cache entry %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM cache_entries WHERE name = ?", &sqlitex.ExecOptions{Args: []any{key}}); err != nil {
		return fmt.Errorf("removing cache entry %q: %w", key, err)
	}
	return nil
}

// Lock polls until the lease for name is acquired or ctx ends.
func (s *SQLite) Lock(ctx context.Context, name string) (Unlock, error) {
	owner := s.node + "/" + uuid.NewString()
	for {
		acquired, err := s.tryAcquire(ctx, name, owner)
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
		}
		if acquired {
			break
		}
		select {
		case <-s.clock.After(s.pollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("acquiring lock %q: %w", name, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unlock(name, owner) })
	}, nil
}

func (s *SQLite) unlock(name, owner string) {
	if err := s.release(name, owner); err != nil {
		s.logger.Warn("releasing cache lock failed; it will expire",
			"lock", name,
			"error", err,
		)
	}
}

func (s *SQLite) tryAcquire(ctx context.Context, name, owner string) (acquired bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, err
	}
	defer endTransaction(&err)

	now := s.clock.Now()
	raw, held, err := readBlob(conn, "SELECT lease FROM cache_locks WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if held {
		var current lease
		if err := codec.Unmarshal(raw, &current); err != nil {
			return false, fmt.Errorf("decoding lease: %w", err)
		}
		if now.Before(current.Expires) {
			return false, nil
		}
		s.logger.Warn("taking over expired cache lock",
			"lock", name,
			"previous_owner", current.Owner,
			"expired", current.Expires,
		)
	}

	encoded, err := codec.Marshal(lease{Owner: owner, Acquired: now, Expires: now.Add(s.leaseDuration)})
	if err != nil {
		return false, fmt.Errorf("encoding lease: %w", err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO cache_locks (name, owner, lease) VALUES (?, ?, ?) ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, lease = excluded.lease",
		&sqlitex.ExecOptions{Args: []any{name, owner, encoded}})
	if err != nil {
		return false, err
	}
	return true, nil
}

// release deletes the lease only if this owner still holds it; a lease
// that expired and was taken over belongs to someone else.
func (s *SQLite) release(name, owner string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM cache_locks WHERE name = ? AND owner = ?",
		&sqlitex.ExecOptions{Args: []any{name, owner}})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return errors.New("lease was taken over before release")
	}
	return nil
}

func readBlob(conn *sqlite.Conn, query, name string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

var _ Cache = (*SQLite)(nil)
