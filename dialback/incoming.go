// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/xmppd/lib/netutil"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// IncomingSession is an inbound server stream. It starts unvalidated;
// every (remote, local) pair the Receiver validates on it is recorded,
// and only stanzas between validated pairs are accepted.
type IncomingSession struct {
	server   *Server
	stream   *xmpp.Stream
	conn     *transport.Conn
	streamID string
	logger   *slog.Logger

	mu         sync.Mutex
	validated  map[domainPair]struct{}
	closeHooks []func()
	closed     bool
}

func newIncomingSession(server *Server, stream *xmpp.Stream, conn *transport.Conn, streamID string, logger *slog.Logger) *IncomingSession {
	return &IncomingSession{
		server:    server,
		stream:    stream,
		conn:      conn,
		streamID:  streamID,
		logger:    logger,
		validated: make(map[domainPair]struct{}),
	}
}

// StreamID is the id we assigned to the inbound stream.
func (s *IncomingSession) StreamID() string { return s.streamID }

// Secure reports whether the stream runs over TLS.
func (s *IncomingSession) Secure() bool { return s.conn != nil && s.conn.Secure() }

// IsValidated reports whether remote has been validated to send to
// local on this stream.
func (s *IncomingSession) IsValidated(remoteDomain, localDomain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.validated[pairOf(remoteDomain, localDomain)]
	return ok
}

// RemoteDomains returns the validated remote domains, sorted.
func (s *IncomingSession) RemoteDomains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var domains []string
	for pair := range s.validated {
		if _, ok := seen[pair.remote]; !ok {
			seen[pair.remote] = struct{}{}
			domains = append(domains, pair.remote)
		}
	}
	sort.Strings(domains)
	return domains
}

func (s *IncomingSession) addValidated(remoteDomain, localDomain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated[pairOf(remoteDomain, localDomain)] = struct{}{}
}

// onClose runs hook when the session closes, or right away if it
// already has.
func (s *IncomingSession) onClose(hook func()) {
	s.mu.Lock()
	if !s.closed {
		s.closeHooks = append(s.closeHooks, hook)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	hook()
}

// Close ends the stream and runs the close hooks. Idempotent.
func (s *IncomingSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hooks := s.closeHooks
	s.closeHooks = nil
	s.mu.Unlock()

	err := s.stream.Close()
	for _, hook := range hooks {
		hook()
	}
	return err
}

// Closed reports whether the session has closed.
func (s *IncomingSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Serve reads the stream until it ends or ctx is cancelled. It handles
// further <db:result/> validations for additional domains, answers
// <db:verify/> requests without closing, and routes stanzas whose
// sender and recipient domains are validated.
func (s *IncomingSession) Serve(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() {
		s.stream.WriteError(xmpp.NewStreamError(xmpp.SystemShutdown, ""))
		s.Close()
	})
	defer stop()

	for {
		element, err := s.stream.ReadElement()
		if err != nil {
			return s.readFailed(ctx, err)
		}

		switch {
		case element.Is(xmpp.NSDialback, "result"):
			valid, err := s.server.receiver.ValidateRemoteDomain(ctx, s, element)
			if err != nil {
				return err
			}
			if !valid {
				return nil
			}

		case element.Is(xmpp.NSDialback, "verify"):
			reply, dialbackError := s.server.authority.answer(ctx, element)
			if dialbackError != nil {
				s.stream.WriteError(xmpp.NewStreamError(dialbackError.Condition, ""))
				return dialbackError
			}
			if err := s.stream.WriteElement(reply); err != nil {
				return err
			}

		case xmpp.IsStanza(element):
			if err := s.routeStanza(ctx, element); err != nil {
				return err
			}

		default:
			s.logger.Warn("unsupported element on server stream", "element", element.Name)
			return s.stream.Fail(xmpp.UnsupportedStanzaType, "")
		}
	}
}

func (s *IncomingSession) readFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, xmpp.ErrStreamClosed) || netutil.IsExpectedCloseError(err) {
		return nil
	}
	var streamError *xmpp.StreamError
	if errors.As(err, &streamError) {
		if !streamError.Remote {
			s.stream.WriteError(streamError)
		}
		s.logger.Warn("incoming server stream failed", "error", err)
		return err
	}
	s.logger.Warn("incoming server stream read failed", "error", err)
	return err
}

// routeStanza enforces that the stanza travels between a validated
// pair and hands it to the router. Routing failures bounce.
func (s *IncomingSession) routeStanza(ctx context.Context, stanza *xmpp.Element) error {
	from := xmpp.Domain(stanza.Attr("from"))
	to := xmpp.Domain(stanza.Attr("to"))
	if !s.IsValidated(from, to) {
		s.logger.Warn("stanza from unvalidated domain",
			"from", stanza.Attr("from"),
			"to", stanza.Attr("to"),
		)
		return s.stream.Fail(xmpp.InvalidFrom, "")
	}

	stanza.ClearNamespace(xmpp.NSServer)

	if s.server.router == nil {
		return nil
	}
	if err := s.server.router.Deliver(ctx, stanza); err != nil {
		s.logger.Debug("routing inbound stanza failed", "to", stanza.Attr("to"), "error", err)
		if stanza.Attr("type") == "error" {
			return nil
		}
		return s.stream.WriteElement(xmpp.ErrorReply(stanza, xmpp.NewStanzaError(xmpp.ServiceUnavailable, "")))
	}
	return nil
}
