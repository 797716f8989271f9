// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds xmppd's long-lived credentials outside the Go
// heap: the connection-manager shared secret and the age identity that
// unseals cached values.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes, unlocks and
// unmaps it; any later access panics.
//
// [ReadFile] loads a secret from disk, trimming surrounding whitespace
// and zeroing the heap copy it read.
package secret
