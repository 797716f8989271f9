// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/lib/netutil"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// State is the lifecycle position of a manager session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one connection manager's stream. It owns its domain in
// the Manager until it closes.
type Session struct {
	manager           *Manager
	domain            string
	stream            *xmpp.Stream
	conn              *transport.Conn
	tlsPolicy         config.Policy
	compressionPolicy config.Policy
	logger            *slog.Logger

	mu       sync.Mutex
	state    State
	streamID string

	optionsOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

// Domain is the connection manager domain the session claimed.
func (s *Session) Domain() string { return s.domain }

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
}

// openStream answers the manager's header with a fresh stream id and
// the features the link still has on offer.
func (s *Session) openStream() error {
	streamID := xmpp.NewStreamID()
	s.mu.Lock()
	s.streamID = streamID
	s.mu.Unlock()

	err := s.stream.WriteHeader(xmpp.Header{
		Namespace: xmpp.NSConnectionManager,
		From:      s.domain,
		ID:        streamID,
		Version:   "1.0",
	})
	if err != nil {
		return err
	}
	return s.stream.WriteElement(s.features())
}

func (s *Session) features() *xmpp.Element {
	features := xmpp.NewElement(xmpp.NSStream, "features")
	if s.tlsPolicy != config.PolicyDisabled && !s.conn.Secure() {
		starttls := xmpp.NewElement(xmpp.NSTLS, "starttls")
		if s.tlsPolicy == config.PolicyRequired {
			starttls.AddChild(xmpp.NewElement(xmpp.NSTLS, "required"))
		}
		features.AddChild(starttls)
	}
	if s.compressionOffered() {
		features.AddChild(xmpp.NewElement(xmpp.NSCompressFeature, "compression").
			AddChild(xmpp.NewElement(xmpp.NSCompressFeature, "method").SetText("zlib")))
	}
	return features
}

// compressionOffered holds compression back until a required TLS
// layer is up, since TLS cannot start over a compressed link.
func (s *Session) compressionOffered() bool {
	if s.compressionPolicy == config.PolicyDisabled || s.conn.Compressed() {
		return false
	}
	return s.tlsPolicy != config.PolicyRequired || s.conn.Secure()
}

// Authenticate checks the manager's handshake against
// digest(streamID, secret). A mismatch, or a handshake sent before a
// required TLS or compression layer, closes the session with
// not-authorized and returns ErrNotAuthenticated. On success the
// session acknowledges with <handshake/> and pushes the client options
// once.
func (s *Session) Authenticate(handshake string) error {
	if s.State() != StateAuthenticating {
		return fmt.Errorf("multiplex: handshake in state %s", s.State())
	}
	if s.tlsPolicy == config.PolicyRequired && !s.conn.Secure() {
		s.logger.Warn("connection manager handshake before required TLS")
		s.closeWith(xmpp.NotAuthorized)
		return fmt.Errorf("%w: TLS required", ErrNotAuthenticated)
	}
	if s.compressionPolicy == config.PolicyRequired && !s.conn.Compressed() {
		s.logger.Warn("connection manager handshake before required compression")
		s.closeWith(xmpp.NotAuthorized)
		return fmt.Errorf("%w: compression required", ErrNotAuthenticated)
	}

	expected := s.manager.digest(s.StreamID(), s.manager.secret.String())
	if !digest.Equal(expected, strings.TrimSpace(handshake)) {
		s.logger.Warn("connection manager presented a wrong handshake")
		s.closeWith(xmpp.NotAuthorized)
		return ErrNotAuthenticated
	}

	s.setState(StateAuthenticated)
	if err := s.stream.WriteElement(xmpp.NewElement(xmpp.NSConnectionManager, "handshake")); err != nil {
		s.Close()
		return err
	}
	s.logger.Info("connection manager authenticated")

	var err error
	s.optionsOnce.Do(func() {
		err = s.stream.WriteElement(s.clientOptions())
	})
	return err
}

// clientOptions tells the manager which features to offer its
// clients. In-band registration is never offered.
func (s *Session) clientOptions() *xmpp.Element {
	configuration := xmpp.NewElement(xmpp.NSMultiplex, "configuration")
	if s.manager.tlsConfig != nil {
		configuration.AddChild(xmpp.NewElement(xmpp.NSTLS, "starttls"))
	}
	if s.compressionPolicy != config.PolicyDisabled {
		configuration.AddChild(xmpp.NewElement(xmpp.NSCompressFeature, "compression").
			AddChild(xmpp.NewElement(xmpp.NSCompressFeature, "method").SetText("zlib")))
	}
	if s.manager.authenticator != nil {
		configuration.AddChild(xmpp.NewElement(xmpp.NSSASL, "mechanisms").
			AddChild(xmpp.NewElement(xmpp.NSSASL, "mechanism").SetText("PLAIN")))
		configuration.AddChild(xmpp.NewElement(xmpp.NSIQAuth, "auth"))
	}
	return xmpp.NewElement(xmpp.NSConnectionManager, "iq",
		"type", "set",
		"id", "config-"+s.StreamID(),
		"from", s.manager.domain,
		"to", s.domain,
	).AddChild(configuration)
}

// Serve reads the manager's stream until it closes or ctx is done.
func (s *Session) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.closeWith(xmpp.SystemShutdown) })
	defer stop()
	defer s.Close()

	for {
		element, err := s.stream.ReadElement()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !errors.Is(err, xmpp.ErrStreamClosed) {
				s.logger.Debug("connection manager stream ended", "error", err)
			}
			return
		}
		if s.State() == StateAuthenticated {
			s.dispatch(ctx, element)
			continue
		}
		if err := s.negotiate(ctx, element); err != nil {
			s.logger.Debug("connection manager negotiation ended", "error", err)
			return
		}
	}
}

// negotiate handles the elements a manager may send before its
// handshake is accepted.
func (s *Session) negotiate(ctx context.Context, element *xmpp.Element) error {
	switch {
	case element.Is(xmpp.NSTLS, "starttls"):
		return s.startTLS(ctx)
	case element.Is(xmpp.NSCompress, "compress"):
		return s.compress(element)
	case element.Is(xmpp.NSConnectionManager, "handshake"):
		return s.Authenticate(element.Text)
	default:
		s.logger.Warn("unexpected element before handshake", "element", element.Name)
		s.closeWith(xmpp.NotAuthorized)
		return fmt.Errorf("unexpected <%s/> before handshake", element.Name)
	}
}

func (s *Session) startTLS(ctx context.Context) error {
	if s.tlsPolicy == config.PolicyDisabled || s.conn.Secure() || s.conn.Compressed() {
		s.stream.WriteElement(xmpp.NewElement(xmpp.NSTLS, "failure"))
		s.Close()
		return errors.New("STARTTLS not offered")
	}
	if err := s.stream.WriteElement(xmpp.NewElement(xmpp.NSTLS, "proceed")); err != nil {
		return err
	}
	if err := s.conn.StartTLS(ctx, s.manager.tlsConfig, true); err != nil {
		s.Close()
		return err
	}
	return s.restart()
}

func (s *Session) compress(request *xmpp.Element) error {
	method := request.Child(xmpp.NSCompress, "method")
	if !s.compressionOffered() {
		s.stream.WriteElement(xmpp.NewElement(xmpp.NSCompress, "failure").
			AddChild(xmpp.NewElement(xmpp.NSCompress, "setup-failed")))
		return nil
	}
	if method == nil || strings.TrimSpace(method.Text) != "zlib" {
		s.stream.WriteElement(xmpp.NewElement(xmpp.NSCompress, "failure").
			AddChild(xmpp.NewElement(xmpp.NSCompress, "unsupported-method")))
		return nil
	}
	if err := s.stream.WriteElement(xmpp.NewElement(xmpp.NSCompress, "compressed")); err != nil {
		return err
	}
	if err := s.conn.Compress(); err != nil {
		s.Close()
		return err
	}
	return s.restart()
}

// restart expects the manager's new header after a layer change and
// answers it with a new stream id.
func (s *Session) restart() error {
	s.stream.Reset()
	header, err := s.stream.ReadHeaderTimeout(s.manager.properties.SocketTimeout())
	if err != nil {
		s.Close()
		return err
	}
	if header.Namespace != xmpp.NSConnectionManager {
		s.closeWith(xmpp.InvalidNamespace)
		return fmt.Errorf("restarted stream has namespace %q", header.Namespace)
	}
	if xmpp.FoldDomain(header.To) != s.domain {
		s.closeWith(xmpp.HostUnknown)
		return fmt.Errorf("restarted stream addressed to %q", header.To)
	}
	if err := s.openStream(); err != nil {
		s.Close()
		return err
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, element *xmpp.Element) {
	router := s.manager.router
	switch {
	case element.Is(xmpp.NSConnectionManager, "iq"):
		switch element.Attr("type") {
		case "result", "error":
			return
		}
		router.HandleIQ(ctx, s.domain, element)
	case element.Is(xmpp.NSConnectionManager, "route"):
		router.HandleRoute(ctx, s.domain, element)
	default:
		s.logger.Warn("unsupported element from connection manager", "element", element.Name)
		s.closeWith(xmpp.UnsupportedStanzaType)
	}
}

func (s *Session) idle() {
	s.logger.Info("connection manager idle, closing")
	s.closeWith(xmpp.ConnectionTimeout)
}

// closeWith sends condition as a stream error and closes.
func (s *Session) closeWith(condition xmpp.Condition) {
	if s.State() == StateClosed {
		return
	}
	s.stream.WriteError(xmpp.NewStreamError(condition, ""))
	s.Close()
}

// Close ends the session and releases its domain and client sessions.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.stream.Close()
		s.conn.Close()
		s.manager.release(s)
		close(s.done)
		s.logger.Debug("connection manager session closed")
	})
}
