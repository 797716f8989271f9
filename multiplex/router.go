// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// PacketRouter handles what authenticated connection managers send:
// control IQs that manage client sessions, and <route/> envelopes that
// carry client stanzas. Replies and bounces go back over whichever
// session currently serves the manager domain.
type PacketRouter struct {
	domain        string
	clients       ClientSessions
	router        routing.Deliverer
	interceptors  *routing.Interceptors
	offline       OfflineStore
	authenticator Authenticator
	send          Sender
	logger        *slog.Logger
}

// HandleIQ processes a control-plane <iq type="set"><session id="..."/></iq>.
func (r *PacketRouter) HandleIQ(ctx context.Context, managerDomain string, iq *xmpp.Element) {
	reply := r.controlReply(ctx, managerDomain, iq)
	if err := r.send(managerDomain, reply); err != nil {
		r.logger.Warn("control reply not sent",
			"manager_domain", managerDomain,
			"error", err,
		)
	}
}

func (r *PacketRouter) controlReply(ctx context.Context, managerDomain string, iq *xmpp.Element) *xmpp.Element {
	session := iq.Child(xmpp.NSMultiplex, "session")
	if iq.Attr("type") != "set" || session == nil {
		return xmpp.ErrorReply(iq, multiplexError(xmpp.BadRequest, ""))
	}
	streamID := session.Attr("id")
	if streamID == "" {
		return xmpp.ErrorReply(iq, multiplexError(xmpp.BadRequest, "id-required"))
	}
	logger := r.logger.With("manager_domain", managerDomain, "client_stream_id", streamID)

	if session.Child(xmpp.NSMultiplex, "create") != nil {
		r.clients.Create(managerDomain, streamID)
		return xmpp.ResultReply(iq)
	}

	if r.clients.Lookup(managerDomain, streamID) == nil {
		return xmpp.ErrorReply(iq, multiplexError(xmpp.ItemNotFound, ""))
	}

	if session.Child(xmpp.NSMultiplex, "close") != nil {
		r.clients.Close(managerDomain, streamID)
		logger.Debug("client session closed by connection manager")
		return xmpp.ResultReply(iq)
	}

	if failed := session.Child(xmpp.NSMultiplex, "failed"); failed != nil {
		if len(failed.Children) != 1 {
			return xmpp.ErrorReply(iq, multiplexError(xmpp.BadRequest, "invalid-payload"))
		}
		stanza := failed.Children[0]
		if stanza.Name != "message" {
			return xmpp.ErrorReply(iq, multiplexError(xmpp.BadRequest, "unknown-stanza"))
		}
		if r.offline == nil {
			logger.Warn("undeliverable message dropped, no offline store")
			return xmpp.ErrorReply(iq, multiplexError(xmpp.ServiceUnavailable, ""))
		}
		if err := r.offline.Store(ctx, unwrapped(stanza.Copy())); err != nil {
			logger.Warn("storing undeliverable message", "error", err)
			return xmpp.ErrorReply(iq, multiplexError(xmpp.ServiceUnavailable, ""))
		}
		return xmpp.ResultReply(iq)
	}

	return xmpp.ErrorReply(iq, multiplexError(xmpp.BadRequest, ""))
}

// HandleRoute processes a data-plane <route streamid="..."> envelope.
func (r *PacketRouter) HandleRoute(ctx context.Context, managerDomain string, route *xmpp.Element) {
	if len(route.Children) == 0 {
		r.logger.Debug("empty route envelope dropped", "manager_domain", managerDomain)
		return
	}
	stanza := unwrapped(route.Children[0])
	streamID := route.Attr("streamid")
	if streamID == "" {
		r.bounce(managerDomain, streamID, stanza, xmpp.BadRequest)
		return
	}
	client := r.clients.Lookup(managerDomain, streamID)
	if client == nil {
		r.bounce(managerDomain, streamID, stanza, xmpp.ItemNotFound)
		return
	}

	switch {
	case stanza.Is(xmpp.NSSASL, "auth"), stanza.Is(xmpp.NSSASL, "response"):
		r.authenticate(client, stanza)
	case xmpp.IsStanza(stanza) && stanza.Space == "":
		r.process(ctx, client, stanza)
	default:
		r.bounce(managerDomain, streamID, stanza, xmpp.BadRequest)
	}
}

func (r *PacketRouter) process(ctx context.Context, client *ClientSession, stanza *xmpp.Element) {
	address := client.Address()
	stanza.SetAttr("from", address)
	logger := r.logger.With(
		"manager_domain", client.ManagerDomain(),
		"client_stream_id", client.StreamID(),
	)

	if err := r.interceptors.Invoke(stanza, address, true, false); err != nil {
		rejection, ok := routing.IsRejection(err)
		if !ok {
			rejection = &routing.Rejection{}
			logger.Warn("interceptor failed", "error", err)
		}
		r.reject(client, stanza, rejection)
		return
	}

	if r.router == nil {
		r.bounce(client.ManagerDomain(), client.StreamID(), stanza, xmpp.ServiceUnavailable)
		return
	}
	if err := r.router.Deliver(ctx, stanza); err != nil {
		logger.Debug("client stanza not routed", "to", stanza.Attr("to"), "error", err)
		r.bounce(client.ManagerDomain(), client.StreamID(), stanza, xmpp.ServiceUnavailable)
		return
	}

	if err := r.interceptors.Invoke(stanza, address, true, true); err != nil {
		logger.Debug("post-routing interceptor", "error", err)
	}
	client.packets.Add(1)
}

// reject answers an intercepted stanza: iq and presence get a
// not-allowed error, messages get nothing. A stated reason reaches the
// sender as a separate message.
func (r *PacketRouter) reject(client *ClientSession, stanza *xmpp.Element, rejection *routing.Rejection) {
	if stanza.Name != "message" {
		r.bounce(client.ManagerDomain(), client.StreamID(), stanza, xmpp.NotAllowed)
	}
	if rejection.Reason == "" {
		return
	}
	notice := xmpp.NewElement("", "message",
		"from", r.domain,
		"to", client.Address(),
	).AddChild(xmpp.NewElement("", "body").SetText(rejection.Reason))
	if err := client.Deliver(context.Background(), notice); err != nil {
		r.logger.Debug("rejection notice not sent", "error", err)
	}
}

// bounce returns stanza to its client as an error. Error stanzas are
// never bounced.
func (r *PacketRouter) bounce(managerDomain, streamID string, stanza *xmpp.Element, condition xmpp.StanzaCondition) {
	if !xmpp.IsStanza(stanza) || stanza.Attr("type") == "error" {
		return
	}
	reply := xmpp.ErrorReply(stanza, xmpp.NewStanzaError(condition, ""))
	if err := r.send(managerDomain, wrap(r.domain, managerDomain, streamID, reply)); err != nil {
		r.logger.Debug("bounce not sent", "manager_domain", managerDomain, "error", err)
	}
}

// authenticate runs a SASL exchange step. An <auth/> without an
// initial response is answered with an empty challenge.
func (r *PacketRouter) authenticate(client *ClientSession, element *xmpp.Element) {
	reply := func(result *xmpp.Element) {
		if err := client.Deliver(context.Background(), result); err != nil {
			r.logger.Debug("SASL reply not sent", "error", err)
		}
	}
	if r.authenticator == nil {
		reply(saslFailure("invalid-mechanism"))
		return
	}
	if client.Username() != "" {
		reply(saslFailure("aborted"))
		return
	}

	payload := strings.TrimSpace(element.Text)
	client.mu.Lock()
	mechanism := client.mechanism
	if element.Name == "auth" {
		mechanism = element.Attr("mechanism")
		client.mechanism = ""
		if payload == "" {
			client.mechanism = mechanism
		}
	} else {
		client.mechanism = ""
	}
	client.mu.Unlock()

	if element.Name == "auth" && payload == "" {
		reply(xmpp.NewElement(xmpp.NSSASL, "challenge"))
		return
	}
	if mechanism == "" {
		reply(saslFailure("malformed-request"))
		return
	}

	username, err := r.authenticator.Authenticate(mechanism, payload)
	switch {
	case err == nil:
		r.clients.Authenticated(client, username)
		reply(saslSuccess())
	case errors.Is(err, routing.ErrMechanism):
		reply(saslFailure("invalid-mechanism"))
	default:
		r.logger.Info("client authentication failed",
			"manager_domain", client.ManagerDomain(),
			"client_stream_id", client.StreamID(),
			"error", err,
		)
		reply(saslFailure("not-authorized"))
	}
}
