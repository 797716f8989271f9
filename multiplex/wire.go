// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import "github.com/bureau-foundation/xmppd/xmpp"

// wrap puts stanza in a <route/> envelope for the client streamID.
func wrap(serverDomain, managerDomain, streamID string, stanza *xmpp.Element) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSConnectionManager, "route",
		"from", serverDomain,
		"to", managerDomain,
		"streamid", streamID,
	).AddChild(stanza)
}

// unwrapped strips the namespaces a stanza picks up on the manager's
// stream so that it inherits the namespace of the next stream.
func unwrapped(stanza *xmpp.Element) *xmpp.Element {
	stanza.ClearNamespace(xmpp.NSConnectionManager)
	stanza.ClearNamespace(xmpp.NSClient)
	return stanza
}

func multiplexError(condition xmpp.StanzaCondition, appCondition string) *xmpp.StanzaError {
	stanzaError := xmpp.NewStanzaError(condition, "")
	if appCondition != "" {
		stanzaError.AppCondition = xmpp.NewElement(xmpp.NSMultiplexErrors, appCondition)
	}
	return stanzaError
}

func saslSuccess() *xmpp.Element {
	return xmpp.NewElement(xmpp.NSSASL, "success")
}

func saslFailure(condition string) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSSASL, "failure").AddChild(xmpp.NewElement(xmpp.NSSASL, condition))
}
