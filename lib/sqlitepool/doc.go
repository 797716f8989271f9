// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database behind xmppd's shared
// cache. It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies
// the same pragmas to every connection:
//
//   - journal_mode=WAL, so readers on one node never block a writer on
//     another node sharing the file.
//   - synchronous=NORMAL. The cache only holds values that can be
//     regenerated after an OS crash.
//   - busy_timeout, so a write that races another process waits for
//     the write lock instead of failing with SQLITE_BUSY.
//
// [Config.Schema] is executed once per connection after the pragmas.
// Connections are not safe for concurrent use: each goroutine must
// [Pool.Take] its own and [Pool.Put] it back.
package sqlitepool
