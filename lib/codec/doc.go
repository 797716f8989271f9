// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the binary encoding for state xmppd keeps outside
// the XML streams: cache entries and lock leases in the shared SQLite
// cache.
//
// Encoding is CBOR with Core Deterministic Encoding, so two cluster
// nodes writing the same logical value produce identical bytes. The
// decoder ignores unknown fields so that older nodes can read entries
// written by newer ones.
package codec
