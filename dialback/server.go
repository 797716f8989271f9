// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Options

	// TLSConfig enables STARTTLS on inbound streams when set.
	TLSConfig *tls.Config

	// Router receives stanzas arriving on validated sessions.
	Router routing.Deliverer
}

// Server accepts inbound federation connections. Each connection is
// either a dialback validation that becomes an IncomingSession, or a
// verify request answered by the Authority.
type Server struct {
	receiver   *Receiver
	authority  *Authority
	domains    DomainTable
	properties *config.Properties
	tlsConfig  *tls.Config
	router     routing.Deliverer
	clock      clock.Clock
	logger     *slog.Logger
}

var _ transport.ConnHandler = (*Server)(nil)

// NewServer builds the receiving and authoritative roles from options
// and returns a handler for the federation listener.
func NewServer(options ServerOptions) (*Server, error) {
	roleOptions := options.Options.withDefaults()
	receiver, err := NewReceiver(roleOptions)
	if err != nil {
		return nil, err
	}
	authority, err := NewAuthority(roleOptions)
	if err != nil {
		return nil, err
	}
	return &Server{
		receiver:   receiver,
		authority:  authority,
		domains:    roleOptions.Domains,
		properties: roleOptions.Properties,
		tlsConfig:  options.TLSConfig,
		router:     options.Router,
		clock:      roleOptions.Clock,
		logger:     roleOptions.Logger,
	}, nil
}

// ServeConn implements transport.ConnHandler.
func (s *Server) ServeConn(ctx context.Context, raw net.Conn) {
	session, err := s.CreateIncomingSession(ctx, raw)
	if err != nil {
		if !errors.Is(err, xmpp.ErrStreamClosed) {
			s.logger.Debug("inbound connection ended before a session was established",
				"remote_address", raw.RemoteAddr().String(),
				"error", err,
			)
		}
		return
	}
	if session == nil {
		return
	}
	err = session.Serve(ctx)
	s.logger.Info("incoming server session closed",
		"stream_id", session.StreamID(),
		"remote_domains", session.RemoteDomains(),
		"error", err,
	)
}

// CreateIncomingSession reads the stream header on raw and dispatches
// on the first element: <db:result/> runs the receiving role and
// returns the validated session, <db:verify/> runs the authoritative
// role and returns nil with the connection closed, and anything else
// is refused with invalid-xml. On error the connection is closed.
func (s *Server) CreateIncomingSession(ctx context.Context, raw net.Conn) (*IncomingSession, error) {
	conn := transport.NewConn(raw)
	stream := xmpp.NewStream(conn, s.clock)
	logger := s.logger.With("remote_address", raw.RemoteAddr().String())
	socketTimeout := s.properties.SocketTimeout()

	for {
		header, err := stream.ReadHeaderTimeout(socketTimeout)
		if err != nil {
			reply := serverHeader("", "", xmpp.NewStreamID())
			return nil, s.refuse(stream, &reply, err)
		}
		streamID := xmpp.NewStreamID()
		if condition, text := s.checkHeader(header); condition != "" {
			logger.Warn("refusing inbound stream", "condition", string(condition), "to", header.To)
			reply := serverHeader(header.To, header.From, streamID)
			return nil, s.refuse(stream, &reply, xmpp.NewStreamError(condition, "%s", text))
		}

		reply := serverHeader(header.To, header.From, streamID)
		reply.Version = header.Version
		if err := stream.WriteHeader(reply); err != nil {
			stream.Close()
			return nil, err
		}
		if header.Version != "" {
			if err := stream.WriteElement(s.features(conn)); err != nil {
				stream.Close()
				return nil, err
			}
		}

		first, err := stream.ReadElementTimeout(socketTimeout)
		if err != nil {
			return nil, s.refuse(stream, nil, err)
		}

		switch {
		case first.Is(xmpp.NSTLS, "starttls"):
			if err := s.startTLS(ctx, stream, conn); err != nil {
				logger.Warn("inbound STARTTLS failed", "error", err)
				stream.Close()
				return nil, err
			}
			continue

		case first.Is(xmpp.NSDialback, "result"):
			session := newIncomingSession(s, stream, conn, streamID, logger.With("stream_id", streamID))
			valid, err := s.receiver.ValidateRemoteDomain(ctx, session, first)
			if err != nil {
				return nil, err
			}
			if !valid {
				return nil, &Error{Condition: xmpp.NotAuthorized, Cause: ErrRejected}
			}
			return session, nil

		case first.Is(xmpp.NSDialback, "verify"):
			if _, err := s.authority.VerifyReceivedKey(ctx, stream, first); err != nil {
				return nil, err
			}
			return nil, nil

		default:
			logger.Warn("unexpected first element on server stream", "element", first.Name)
			return nil, stream.Fail(xmpp.InvalidXML, "")
		}
	}
}

func (s *Server) features(conn *transport.Conn) *xmpp.Element {
	features := xmpp.NewElement(xmpp.NSStream, "features")
	if s.tlsConfig != nil && !conn.Secure() {
		features.AddChild(xmpp.NewElement(xmpp.NSTLS, "starttls"))
	}
	features.AddChild(xmpp.NewElement(xmpp.NSDialbackFeature, "dialback").
		AddChild(xmpp.NewElement("", "errors")))
	return features
}

func (s *Server) startTLS(ctx context.Context, stream *xmpp.Stream, conn *transport.Conn) error {
	if s.tlsConfig == nil || conn.Secure() {
		stream.WriteElement(xmpp.NewElement(xmpp.NSTLS, "failure"))
		return errors.New("STARTTLS not offered")
	}
	if err := stream.WriteElement(xmpp.NewElement(xmpp.NSTLS, "proceed")); err != nil {
		return err
	}
	if err := conn.StartTLS(ctx, s.tlsConfig, true); err != nil {
		return err
	}
	stream.Reset()
	return nil
}

// checkHeader returns the stream error condition for an inbound header
// this server will not accept, or "" when the header is acceptable.
func (s *Server) checkHeader(header *xmpp.Header) (xmpp.Condition, string) {
	switch {
	case header.Namespace != xmpp.NSServer:
		return xmpp.InvalidNamespace, ""
	case !header.Dialback:
		return xmpp.InvalidNamespace, "dialback namespace required"
	case header.To != "" && !serves(s.domains, header.To):
		return xmpp.HostUnknown, ""
	}
	return "", ""
}

// refuse closes stream after a failed read or a rejected header,
// sending our own stream errors to the peer. A stream error is only
// well formed inside an open stream, so reply is written first when
// our header has not been sent yet.
func (s *Server) refuse(stream *xmpp.Stream, reply *xmpp.Header, err error) error {
	var streamError *xmpp.StreamError
	if errors.As(err, &streamError) && !streamError.Remote {
		if reply != nil {
			stream.WriteHeader(*reply)
		}
		stream.WriteError(streamError)
	}
	stream.Close()
	return err
}
