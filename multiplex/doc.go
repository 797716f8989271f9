// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package multiplex serves connection managers: trusted processes that
// terminate many client connections and forward their traffic over one
// stream in the jabber:connectionmanager namespace.
//
// A [Manager] accepts the manager's stream ([Manager.CreateSession]),
// negotiates STARTTLS and zlib compression according to policy, and
// authenticates the peer with a handshake digest of the stream id and
// a shared secret ([Session.Authenticate]). Only one live session may
// claim a connection-manager domain at a time.
//
// Once authenticated, the [PacketRouter] handles what the manager
// sends: control IQs that create, close, or report failed delivery for
// a client session, and <route/> envelopes that carry one client
// stanza tagged with the client's stream id. Client stanzas pass the
// interceptor chain before and after routing; a rejected stanza is
// bounced to the client it came from.
//
// Client sessions live in a [ClientSessions] store keyed by manager
// domain and client stream id. Traffic for a client goes back over
// whichever session currently serves its manager's domain.
package multiplex
