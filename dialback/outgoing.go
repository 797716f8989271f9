// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/xmppd/lib/netutil"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// ErrSessionClosed is returned when using an outgoing session whose
// connection has ended.
var ErrSessionClosed = errors.New("dialback: session closed")

// OutgoingSession is an authenticated stream to a remote server. It
// may carry stanzas from several local domains, each authenticated
// separately over the same stream.
type OutgoingSession struct {
	originator   *Originator
	stream       *xmpp.Stream
	conn         *transport.Conn
	remoteDomain string
	streamID     string
	address      string
	logger       *slog.Logger

	mu      sync.Mutex
	domains map[string]struct{}
	pending map[string]*pendingResult
	closed  bool

	done chan struct{}
}

type pendingResult struct {
	done  chan struct{}
	valid bool
}

func newOutgoingSession(originator *Originator, stream *xmpp.Stream, conn *transport.Conn, localDomain, remoteDomain, streamID, address string, logger *slog.Logger) *OutgoingSession {
	return &OutgoingSession{
		originator:   originator,
		stream:       stream,
		conn:         conn,
		remoteDomain: xmpp.FoldDomain(remoteDomain),
		streamID:     streamID,
		address:      address,
		logger:       logger.With("stream_id", streamID),
		domains:      map[string]struct{}{xmpp.FoldDomain(localDomain): {}},
		pending:      make(map[string]*pendingResult),
		done:         make(chan struct{}),
	}
}

func (s *OutgoingSession) RemoteDomain() string { return s.remoteDomain }
func (s *OutgoingSession) StreamID() string     { return s.streamID }

// Secure reports whether the stream runs over TLS.
func (s *OutgoingSession) Secure() bool { return s.conn.Secure() }

// Done is closed once the session has ended.
func (s *OutgoingSession) Done() <-chan struct{} { return s.done }

// Authenticated reports whether localDomain may send over the session.
func (s *OutgoingSession) Authenticated(localDomain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.domains[xmpp.FoldDomain(localDomain)]
	return ok
}

// AuthenticateDomain runs dialback for an additional local domain over
// the established stream. Concurrent calls for the same domain share
// one exchange. A timed-out exchange closes the session.
func (s *OutgoingSession) AuthenticateDomain(ctx context.Context, localDomain string) error {
	local := xmpp.FoldDomain(localDomain)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := s.domains[local]; ok {
		s.mu.Unlock()
		return nil
	}
	pending, inFlight := s.pending[local]
	if !inFlight {
		pending = &pendingResult{done: make(chan struct{})}
		s.pending[local] = pending
	}
	s.mu.Unlock()

	if !inFlight {
		if err := s.offerKey(ctx, local); err != nil {
			s.abandon(local, pending)
			return err
		}
	}

	timeout := s.originator.properties.DialbackTimeout()
	select {
	case <-pending.done:
		if !pending.valid {
			return &Error{Condition: xmpp.NotAuthorized, Cause: ErrRejected}
		}
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		s.abandon(local, pending)
		return ctx.Err()
	case <-s.originator.clock.After(timeout):
		s.logger.Warn("dialback reply timed out, closing session", "local_domain", local)
		s.Close()
		return &Error{Condition: xmpp.ConnectionTimeout, Cause: xmpp.ErrTimeout}
	}
}

func (s *OutgoingSession) offerKey(ctx context.Context, local string) error {
	secret, err := s.originator.secrets.GetOrCreate(ctx)
	if err != nil {
		return &Error{Condition: xmpp.InternalServerError, Cause: err}
	}
	key := s.originator.digest(s.streamID, secret)
	if err := s.stream.WriteElement(resultRequest(local, s.remoteDomain, key)); err != nil {
		return fmt.Errorf("offering key for %s: %w", local, err)
	}
	return nil
}

// abandon forgets an exchange nobody waits for any more.
func (s *OutgoingSession) abandon(local string, pending *pendingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[local] == pending {
		delete(s.pending, local)
	}
}

// Send writes a stanza whose sender domain is authenticated.
func (s *OutgoingSession) Send(stanza *xmpp.Element) error {
	from := xmpp.FoldDomain(xmpp.Domain(stanza.Attr("from")))
	if !s.Authenticated(from) {
		return fmt.Errorf("dialback: %s is not authenticated to %s", from, s.remoteDomain)
	}
	if err := s.stream.WriteElement(stanza); err != nil {
		if s.stream.Closed() {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

// Close ends the stream. Idempotent.
func (s *OutgoingSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.stream.Close()
}

// Closed reports whether Close has run.
func (s *OutgoingSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// readLoop consumes what the receiving server sends on our outgoing
// stream: verdicts for additional domains, and its close.
func (s *OutgoingSession) readLoop() {
	defer s.Close()
	for {
		element, err := s.stream.ReadElement()
		if err != nil {
			if !errors.Is(err, xmpp.ErrStreamClosed) && !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("outgoing session read failed", "error", err)
			}
			return
		}
		if !element.Is(xmpp.NSDialback, "result") {
			s.logger.Debug("ignoring element on outgoing stream", "element", element.Name)
			continue
		}
		if xmpp.FoldDomain(element.Attr("from")) != s.remoteDomain {
			s.stream.Fail(xmpp.InvalidFrom, "")
			return
		}
		s.resolve(xmpp.FoldDomain(element.Attr("to")), element.Attr("type") == typeValid)
	}
}

func (s *OutgoingSession) resolve(local string, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pending[local]
	if !ok {
		s.logger.Debug("unsolicited dialback verdict", "local_domain", local)
		return
	}
	delete(s.pending, local)
	if valid {
		s.domains[local] = struct{}{}
	}
	pending.valid = valid
	close(pending.done)
	s.logger.Info("additional domain dialback finished", "local_domain", local, "valid", valid)
}
