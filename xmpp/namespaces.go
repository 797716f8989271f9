// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xmpp

// XML namespaces used on xmppd's streams.
const (
	NSStream            = "http://etherx.jabber.org/streams"
	NSServer            = "jabber:server"
	NSClient            = "jabber:client"
	NSDialback          = "jabber:server:dialback"
	NSConnectionManager = "jabber:connectionmanager"

	NSDialbackFeature = "urn:xmpp:features:dialback"
	NSTLS             = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL            = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSCompressFeature = "http://jabber.org/features/compress"
	NSCompress        = "http://jabber.org/protocol/compress"
	NSIQAuth          = "http://jabber.org/features/iq-auth"
	NSIQRegister      = "http://jabber.org/features/iq-register"

	NSStreamErrors = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzaErrors = "urn:ietf:params:xml:ns:xmpp-stanzas"

	// NSMultiplex qualifies the control-plane payloads exchanged with
	// connection managers.
	NSMultiplex       = "http://jabber.org/protocol/connectionmanager"
	NSMultiplexErrors = "http://jabber.org/protocol/connectionmanager#errors"

	nsXML = "http://www.w3.org/XML/1998/namespace"
)
