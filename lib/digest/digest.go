// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes the keyed digests both dialback and the
// connection-manager handshake depend on. A digest must be
// deterministic: the server that issues a key and the server that later
// verifies it each compute it independently from the same stream id and
// secret.
package digest

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Func derives a printable digest from a stream id and a secret.
type Func func(id, secret string) string

// keyContext separates dialback keys from every other use of the
// secret. Changing it invalidates every key in flight across a cluster.
const keyContext = "xmppd 2026-01-01 server dialback key"

// Keyed is the BLAKE3 keyed hash of id under a key derived from secret,
// hex-encoded. It is the default dialback key function.
func Keyed(id, secret string) string {
	var key [32]byte
	blake3.DeriveKey(keyContext, []byte(secret), key[:])

	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(id))
	return hex.EncodeToString(hasher.Sum(nil))
}

// SHA1 is the lowercase hex SHA-1 of id concatenated with secret: the
// component handshake digest connection managers send.
func SHA1(id, secret string) string {
	sum := sha1.Sum([]byte(id + secret))
	return hex.EncodeToString(sum[:])
}

// Parse maps a configured algorithm name to its Func.
func Parse(name string) (Func, error) {
	switch name {
	case "", "blake3":
		return Keyed, nil
	case "sha1":
		return SHA1, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q (expected blake3 or sha1)", name)
	}
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
