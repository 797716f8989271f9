// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"strings"
	"time"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// Verdicts carried in the type attribute of replies.
const (
	typeValid   = "valid"
	typeInvalid = "invalid"
)

func serverHeader(from, to, id string) xmpp.Header {
	return xmpp.Header{
		Namespace: xmpp.NSServer,
		From:      from,
		To:        to,
		ID:        id,
		Version:   "1.0",
		Dialback:  true,
	}
}

func resultRequest(from, to, key string) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSDialback, "result", "from", from, "to", to).SetText(key)
}

func resultReply(from, to string, valid bool) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSDialback, "result", "from", from, "to", to, "type", verdict(valid))
}

func verifyRequest(from, to, id, key string) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSDialback, "verify", "from", from, "to", to, "id", id).SetText(key)
}

func verifyReply(from, to, id string, valid bool) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSDialback, "verify", "from", from, "to", to, "id", id, "type", verdict(valid))
}

func verdict(valid bool) string {
	if valid {
		return typeValid
	}
	return typeInvalid
}

func keyOf(element *xmpp.Element) string {
	return strings.TrimSpace(element.Text)
}

// readReply reads until match accepts an element, skipping stream
// features, with one deadline for the whole wait. Any other element is
// a protocol violation.
func readReply(stream *xmpp.Stream, clk clock.Clock, timeout time.Duration, match func(*xmpp.Element) bool) (*xmpp.Element, error) {
	deadline := clk.Now().Add(timeout)
	for {
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			stream.Close()
			return nil, xmpp.ErrTimeout
		}
		element, err := stream.ReadElementTimeout(remaining)
		if err != nil {
			return nil, err
		}
		if match(element) {
			return element, nil
		}
		if element.Is(xmpp.NSStream, "features") {
			continue
		}
		return nil, newError(xmpp.UnsupportedStanzaType, "unexpected <%s/> while waiting for dialback reply", element.Name)
	}
}

// readFeatures reads the <stream:features/> a version 1.0 stream sends
// after its header. Pre-1.0 streams have none.
func readFeatures(stream *xmpp.Stream, header *xmpp.Header, timeout time.Duration) (*xmpp.Element, error) {
	if header.Version == "" {
		return nil, nil
	}
	element, err := stream.ReadElementTimeout(timeout)
	if err != nil {
		return nil, err
	}
	if !element.Is(xmpp.NSStream, "features") {
		return nil, newError(xmpp.BadFormat, "expected stream features, got <%s/>", element.Name)
	}
	return element, nil
}
