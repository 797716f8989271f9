// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing holds the server-side collaborators that dialback
// and the connection-manager layer hand stanzas to: the routing
// [Table], the [Interceptors] chain, an offline message store, and a
// SASL PLAIN authenticator for multiplexed clients.
//
// These are deliberately small. They give the daemon a working core
// without a user or roster subsystem.
package routing
