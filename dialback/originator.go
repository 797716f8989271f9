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
	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// Originator plays the originating role: it opens outgoing server
// sessions by proving, through dialback, that it speaks for a local
// domain.
type Originator struct {
	secrets    Secrets
	digest     digest.Func
	properties *config.Properties
	resolver   transport.Resolver
	dialer     transport.Dialer
	startTLS   bool
	clock      clock.Clock
	logger     *slog.Logger
}

// NewOriginator returns the originating role. Options.Secrets is required.
func NewOriginator(options Options) (*Originator, error) {
	options = options.withDefaults()
	if options.Secrets == nil {
		return nil, errNoSecrets
	}
	return &Originator{
		secrets:    options.Secrets,
		digest:     options.Digest,
		properties: options.Properties,
		resolver:   options.Resolver,
		dialer:     options.Dialer,
		startTLS:   options.StartTLS,
		clock:      options.Clock,
		logger:     options.Logger,
	}, nil
}

// CreateOutgoingSession connects to remoteDomain and authenticates
// localDomain to it. port is used when remoteDomain publishes no SRV
// record. There is no retry; a failed attempt leaves nothing behind.
func (o *Originator) CreateOutgoingSession(ctx context.Context, localDomain, remoteDomain string, port int) (*OutgoingSession, error) {
	logger := o.logger.With("local_domain", localDomain, "remote_domain", remoteDomain)

	session, err := o.createOutgoingSession(ctx, localDomain, remoteDomain, port, logger)
	if err != nil {
		logger.Warn("outgoing dialback failed", "error", err)
		return nil, err
	}
	logger.Info("outgoing server session established",
		"stream_id", session.streamID,
		"address", session.address,
	)
	return session, nil
}

func (o *Originator) createOutgoingSession(ctx context.Context, localDomain, remoteDomain string, port int, logger *slog.Logger) (*OutgoingSession, error) {
	if !o.properties.DialbackEnabled() {
		return nil, ErrDisabled
	}
	socketTimeout := o.properties.SocketTimeout()

	raw, address, err := transport.DialDomain(ctx, o.resolver, o.dialer, remoteDomain, port, socketTimeout)
	if err != nil {
		return nil, &Error{Condition: xmpp.RemoteConnectionFailed, Cause: err}
	}
	logger.Debug("connected to receiving server", "address", address)

	conn := transport.NewConn(raw)
	stream := xmpp.NewStream(conn, o.clock)

	streamID, err := o.openStream(ctx, stream, conn, localDomain, remoteDomain)
	if err != nil {
		stream.Close()
		return nil, err
	}

	secret, err := o.secrets.GetOrCreate(ctx)
	if err != nil {
		stream.Close()
		return nil, &Error{Condition: xmpp.InternalServerError, Cause: err}
	}
	if err := stream.WriteElement(resultRequest(localDomain, remoteDomain, o.digest(streamID, secret))); err != nil {
		stream.Close()
		return nil, &Error{Condition: xmpp.RemoteConnectionFailed, Cause: err}
	}

	reply, err := readReply(stream, o.clock, o.properties.DialbackTimeout(), func(element *xmpp.Element) bool {
		return element.Is(xmpp.NSDialback, "result") &&
			xmpp.FoldDomain(element.Attr("from")) == xmpp.FoldDomain(remoteDomain) &&
			xmpp.FoldDomain(element.Attr("to")) == xmpp.FoldDomain(localDomain)
	})
	if err != nil {
		stream.Close()
		if errors.Is(err, xmpp.ErrTimeout) {
			return nil, &Error{Condition: xmpp.ConnectionTimeout, Cause: err}
		}
		var dialbackError *Error
		if errors.As(err, &dialbackError) {
			return nil, dialbackError
		}
		return nil, &Error{Condition: Condition(err), Cause: err}
	}
	if reply.Attr("type") != typeValid {
		stream.Close()
		return nil, &Error{Condition: xmpp.NotAuthorized, Cause: ErrRejected}
	}

	session := newOutgoingSession(o, stream, conn, localDomain, remoteDomain, streamID, address, logger)
	go session.readLoop()
	return session, nil
}

// openStream exchanges stream headers, negotiating TLS first when
// configured and offered, and returns the stream id assigned by the
// receiving server.
func (o *Originator) openStream(ctx context.Context, stream *xmpp.Stream, conn *transport.Conn, localDomain, remoteDomain string) (string, error) {
	socketTimeout := o.properties.SocketTimeout()
	for {
		if err := stream.WriteHeader(serverHeader(localDomain, remoteDomain, "")); err != nil {
			return "", &Error{Condition: xmpp.RemoteConnectionFailed, Cause: err}
		}
		header, err := stream.ReadHeaderTimeout(socketTimeout)
		if err != nil {
			return "", &Error{Condition: Condition(err), Cause: err}
		}
		if !header.Dialback {
			stream.WriteError(xmpp.NewStreamError(xmpp.InvalidNamespace, "dialback namespace not declared"))
			return "", newError(xmpp.InvalidNamespace, "%s did not declare the dialback namespace", remoteDomain)
		}
		if header.ID == "" {
			stream.WriteError(xmpp.NewStreamError(xmpp.InvalidID, ""))
			return "", newError(xmpp.InvalidID, "%s assigned no stream id", remoteDomain)
		}

		features, err := readFeatures(stream, header, socketTimeout)
		if err != nil {
			return "", &Error{Condition: Condition(err), Cause: err}
		}
		var starttls *xmpp.Element
		if features != nil {
			starttls = features.Child(xmpp.NSTLS, "starttls")
		}
		if starttls == nil || conn.Secure() {
			return header.ID, nil
		}
		if !o.startTLS {
			if starttls.Child("", "required") != nil {
				return "", newError(xmpp.PolicyViolation, "%s requires TLS", remoteDomain)
			}
			return header.ID, nil
		}
		if err := o.negotiateTLS(ctx, stream, conn, remoteDomain); err != nil {
			return "", err
		}
	}
}

func (o *Originator) negotiateTLS(ctx context.Context, stream *xmpp.Stream, conn *transport.Conn, remoteDomain string) error {
	if err := stream.WriteElement(xmpp.NewElement(xmpp.NSTLS, "starttls")); err != nil {
		return &Error{Condition: xmpp.RemoteConnectionFailed, Cause: err}
	}
	reply, err := stream.ReadElementTimeout(o.properties.SocketTimeout())
	if err != nil {
		return &Error{Condition: Condition(err), Cause: err}
	}
	if !reply.Is(xmpp.NSTLS, "proceed") {
		return newError(xmpp.PolicyViolation, "%s refused STARTTLS with <%s/>", remoteDomain, reply.Name)
	}
	tlsConfig := transport.ClientTLSConfig(remoteDomain, o.properties.AcceptSelfSigned())
	if err := conn.StartTLS(ctx, tlsConfig, false); err != nil {
		return &Error{Condition: xmpp.RemoteConnectionFailed, Cause: fmt.Errorf("STARTTLS with %s: %w", remoteDomain, err)}
	}
	stream.Reset()
	return nil
}
