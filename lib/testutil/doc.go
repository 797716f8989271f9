// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for xmppd's protocol tests.
//
// [ConnPair] returns both ends of a loopback TCP connection. Protocol
// tests use it instead of net.Pipe: a server under test writes stream
// headers and errors without waiting for the fake peer to read them,
// and net.Pipe would block those writes until the peer happens to read.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so that tests never hang when a goroutine under test
// misbehaves. They are the only place in the test suite that uses a
// real wall-clock timeout.
//
// [UniqueID] generates distinct identifiers for stream ids and domains
// without consulting the clock.
//
// All helpers call t.Fatalf on failure.
package testutil
