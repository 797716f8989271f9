// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries XMPP streams between servers and between
// the server and connection managers.
//
// [Listener] accepts inbound connections and hands each one to a
// [ConnHandler]; [Dialer] opens outbound ones. [TCPListener] and
// [TCPDialer] are the production implementations. [DialDomain]
// combines a [Resolver] with a Dialer to reach a remote domain, trying
// its SRV targets in order.
//
// [Conn] wraps an accepted or dialed connection so that the stream
// layer can upgrade it in place: STARTTLS via [Conn.StartTLS], then
// zlib stream compression via [Conn.Compress]. Conn also enforces the
// idle policy of multiplexer sessions, where only bytes received from
// the peer count as activity.
package transport
