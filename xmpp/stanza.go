// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xmpp

// IsStanza reports whether element is a message, presence or iq.
func IsStanza(element *Element) bool {
	switch element.Name {
	case "message", "presence", "iq":
		return true
	}
	return false
}

// ErrorReply turns stanza into its error bounce: a copy addressed back
// to the sender, type "error", with stanzaError appended.
func ErrorReply(stanza *Element, stanzaError *StanzaError) *Element {
	reply := stanza.Copy()
	swapAddresses(reply, stanza)
	reply.SetAttr("type", "error")
	reply.AddChild(stanzaError.Element())
	return reply
}

// ResultReply builds the empty type="result" answer to an iq.
func ResultReply(iq *Element) *Element {
	reply := NewElement(iq.Space, "iq", "type", "result")
	if id := iq.Attr("id"); id != "" {
		reply.SetAttr("id", id)
	}
	swapAddresses(reply, iq)
	return reply
}

func swapAddresses(reply, original *Element) {
	from, to := original.Attr("from"), original.Attr("to")
	reply.RemoveAttr("from")
	reply.RemoveAttr("to")
	if from != "" {
		reply.SetAttr("to", from)
	}
	if to != "" {
		reply.SetAttr("from", to)
	}
}
