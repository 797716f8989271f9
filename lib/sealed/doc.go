// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for encrypting values that xmppd
// stores in a cache file shared between cluster nodes. Every node holds
// the same x25519 identity; values are sealed to its recipient on write
// and opened with the identity on read, so the dialback secret never
// sits in the cache file in plaintext.
//
// Private keys are kept in [secret.Buffer] values.
package sealed
