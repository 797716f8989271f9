// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dialback implements XMPP Server Dialback (XEP-0220).
//
// One dialback transaction involves three servers and each role is a
// separate handler here:
//
//   - [Originator]: the server that wants to send. It connects to the
//     receiving server, offers a key derived from the stream id and its
//     secret, and waits for the verdict.
//   - [Receiver]: the server that was connected to. It never trusts the
//     key on the inbound connection. It opens a separate connection to
//     the authoritative server of the claimed domain and asks whether
//     the key is genuine.
//   - [Authority]: the server that owns the claimed domain. It
//     recomputes the key from the stream id and its secret, answers,
//     and closes.
//
// The roles share nothing but a [Secrets] source and a [digest.Func].
// Each returns an [*Error] tagged with the stream error condition the
// caller should send; every failure of the authoritative round trip is
// reported to the peer as remote-connection-failed so the peer cannot
// tell which internal step failed.
//
// [Server] accepts inbound federation connections and dispatches each
// to the Receiver or the Authority depending on the first element. A
// successful validation promotes the connection into an
// [IncomingSession]. [Pool] keeps outgoing sessions per remote domain
// and is what the routing table uses to reach other servers.
//
// Every wait for a peer is bounded by the dialback timeout or the
// socket timeout from [config.Properties]. An expired wait is treated
// exactly like an "invalid" answer.
package dialback
