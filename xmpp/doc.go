// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package xmpp is the XML stream layer under xmppd's protocol engines.
//
// A [Stream] reads and writes one XML stream over a connection: the
// stream header, then a sequence of top-level [Element] values, then
// the closing tag. Reads can be bounded by a timeout driven by an
// injected clock; an expired read closes the connection and reports
// [ErrTimeout], so a peer that stops talking never holds a goroutine.
//
// Elements are a plain tree (namespace, local name, attributes,
// children, text). The serializer writes dialback elements with the db:
// prefix the stream header declares, stream-level elements with the
// stream: prefix, and an xmlns attribute only where an element's
// namespace differs from its parent's.
//
// [StreamError] and [StanzaError] carry the RFC 6120 error conditions
// in both directions.
package xmpp
