// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// Receiver plays the receiving role: it decides whether a key offered
// on an inbound stream is genuine by asking the authoritative server of
// the claimed domain over a separate connection.
type Receiver struct {
	properties *config.Properties
	access     AccessPolicy
	domains    DomainTable
	sessions   Sessions
	resolver   transport.Resolver
	dialer     transport.Dialer
	port       int
	clock      clock.Clock
	logger     *slog.Logger
}

// NewReceiver returns the receiving role. Options.Domains is required.
func NewReceiver(options Options) (*Receiver, error) {
	options = options.withDefaults()
	if options.Domains == nil {
		return nil, errNoDomains
	}
	return &Receiver{
		properties: options.Properties,
		access:     options.Access,
		domains:    options.Domains,
		sessions:   options.Sessions,
		resolver:   options.Resolver,
		dialer:     options.Dialer,
		port:       options.Port,
		clock:      options.Clock,
		logger:     options.Logger,
	}, nil
}

// ValidateRemoteDomain handles a <db:result/> received on session. It
// answers the originating server on session's stream and returns
// whether the claimed domain was validated.
//
// On "valid" the pair is recorded on session and registered with
// Sessions, and the stream stays open. On "invalid" the stream is
// closed after the verdict. Any other failure is returned as an *Error
// after its stream error has been sent and the stream closed.
func (r *Receiver) ValidateRemoteDomain(ctx context.Context, session *IncomingSession, result *xmpp.Element) (bool, error) {
	recipient := xmpp.FoldDomain(result.Attr("to"))
	remote := xmpp.FoldDomain(result.Attr("from"))
	logger := r.logger.With(
		"remote_domain", remote,
		"local_domain", recipient,
		"stream_id", session.streamID,
	)

	valid, dialbackError := r.validate(ctx, session, remote, recipient, keyOf(result), logger)
	if dialbackError != nil {
		logger.Warn("inbound dialback failed",
			"condition", string(dialbackError.Condition),
			"error", dialbackError.Cause,
		)
		session.stream.WriteError(xmpp.NewStreamError(dialbackError.Condition, ""))
		session.Close()
		return false, dialbackError
	}

	if err := session.stream.WriteElement(resultReply(recipient, remote, valid)); err != nil {
		session.Close()
		return false, fmt.Errorf("sending dialback verdict: %w", err)
	}
	if !valid {
		logger.Warn("inbound dialback key rejected by authoritative server")
		session.Close()
		return false, nil
	}
	logger.Info("remote domain validated", "sessions", r.sessions.Count(remote, recipient))
	return true, nil
}

// validate runs the gates and the authoritative round trip. A nil
// *Error means the authoritative server gave a verdict.
func (r *Receiver) validate(ctx context.Context, session *IncomingSession, remote, recipient, key string, logger *slog.Logger) (bool, *Error) {
	if !r.properties.DialbackEnabled() {
		return false, &Error{Condition: xmpp.NotAuthorized, Cause: ErrDisabled}
	}
	switch {
	case remote == "":
		return false, newError(xmpp.InvalidFrom, "db:result without from")
	case recipient == "":
		return false, newError(xmpp.HostUnknown, "db:result without to")
	case key == "":
		return false, newError(xmpp.BadFormat, "db:result without key")
	}

	// Authorization happens before any traffic leaves for the
	// authoritative server.
	if !r.access.CanAccess(remote) {
		return false, newError(xmpp.HostUnknown, "%s may not connect", remote)
	}
	if !serves(r.domains, recipient) {
		return false, newError(xmpp.HostUnknown, "%s is not served here", recipient)
	}
	if session.IsValidated(remote, recipient) {
		return false, newError(xmpp.NotAuthorized, "%s already validated for %s on this stream", remote, recipient)
	}

	if !r.properties.AllowMultipleConnections() {
		release, ok := r.sessions.Reserve(remote, recipient)
		if !ok {
			return false, newError(xmpp.NotAuthorized, "a session from %s to %s already exists", remote, recipient)
		}
		defer release()
	}

	valid, err := r.verifyWithAuthority(ctx, remote, recipient, session.streamID, key, logger)
	if err != nil {
		return false, remoteConnectionFailed(err)
	}
	if valid {
		session.addValidated(remote, recipient)
		r.sessions.Register(session, remote, recipient)
	}
	return valid, nil
}

// verifyWithAuthority opens a new connection to the authoritative
// server of remote, asks it about key and closes the connection again.
// The inbound connection is never used for this.
func (r *Receiver) verifyWithAuthority(ctx context.Context, remote, recipient, streamID, key string, logger *slog.Logger) (bool, error) {
	socketTimeout := r.properties.SocketTimeout()

	raw, address, err := transport.DialDomain(ctx, r.resolver, r.dialer, remote, r.port, socketTimeout)
	if err != nil {
		return false, err
	}
	logger.Debug("connected to authoritative server", "address", address)

	stream := xmpp.NewStream(transport.NewConn(raw), r.clock)
	defer stream.Close()

	if err := stream.WriteHeader(serverHeader(recipient, remote, "")); err != nil {
		return false, err
	}
	header, err := stream.ReadHeaderTimeout(socketTimeout)
	if err != nil {
		return false, err
	}
	if !header.Dialback {
		stream.WriteError(xmpp.NewStreamError(xmpp.InvalidNamespace, ""))
		return false, newError(xmpp.InvalidNamespace, "authoritative server did not declare the dialback namespace")
	}

	if err := stream.WriteElement(verifyRequest(recipient, remote, streamID, key)); err != nil {
		return false, err
	}
	reply, err := readReply(stream, r.clock, r.properties.DialbackTimeout(), func(element *xmpp.Element) bool {
		return element.Is(xmpp.NSDialback, "verify")
	})
	if err != nil {
		return false, err
	}

	switch {
	case reply.Attr("id") != streamID:
		return false, newError(xmpp.InvalidID, "verify reply for stream %q, expected %q", reply.Attr("id"), streamID)
	case !serves(r.domains, reply.Attr("to")):
		return false, newError(xmpp.HostUnknown, "verify reply addressed to %q", reply.Attr("to"))
	case xmpp.FoldDomain(reply.Attr("from")) != remote:
		return false, newError(xmpp.InvalidFrom, "verify reply from %q, expected %q", reply.Attr("from"), remote)
	}

	switch reply.Attr("type") {
	case typeValid:
		return true, nil
	case typeInvalid:
		return false, nil
	default:
		return false, errors.New("verify reply without a verdict")
	}
}
