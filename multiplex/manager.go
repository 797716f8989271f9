// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/lib/secret"
	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

var (
	// ErrNotAuthenticated is returned when a connection manager
	// presents a wrong handshake digest.
	ErrNotAuthenticated = errors.New("multiplex: connection manager not authenticated")

	// ErrNoSession is returned when no live session serves a manager
	// domain.
	ErrNoSession = errors.New("multiplex: no session for connection manager")
)

// OfflineStore keeps messages that could not be delivered to a client.
type OfflineStore interface {
	Store(ctx context.Context, message *xmpp.Element) error
}

// Authenticator verifies client SASL exchanges.
// *routing.PlainAuthenticator implements it.
type Authenticator interface {
	Authenticate(mechanism, payload string) (username string, err error)
}

// Options configures a Manager.
type Options struct {
	// Domain is the XMPP domain of the clients behind the managers.
	Domain string

	// Secret is the handshake secret shared with connection managers.
	// Without it every manager is refused with internal-server-error.
	Secret *secret.Buffer

	// Digest computes the handshake. Defaults to digest.SHA1, the
	// XEP-0114 handshake.
	Digest digest.Func

	Properties *config.Properties

	// TLSConfig enables STARTTLS on manager streams.
	TLSConfig *tls.Config

	// Router receives client stanzas. Binder makes authenticated
	// client addresses routable; both are normally the routing table.
	Router routing.Deliverer
	Binder Binder

	Interceptors  *routing.Interceptors
	Offline       OfflineStore
	Authenticator Authenticator

	// Clients defaults to a ClientRegistry.
	Clients ClientSessions

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager accepts connection-manager streams and holds at most one
// live session per manager domain.
type Manager struct {
	domain        string
	secret        *secret.Buffer
	digest        digest.Func
	properties    *config.Properties
	tlsConfig     *tls.Config
	authenticator Authenticator
	clients       ClientSessions
	router        *PacketRouter
	clock         clock.Clock
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

var _ transport.ConnHandler = (*Manager)(nil)

// NewManager returns a manager for connection managers serving
// Options.Domain, which is required.
func NewManager(options Options) (*Manager, error) {
	if options.Domain == "" {
		return nil, errors.New("multiplex: Options.Domain is required")
	}
	if options.Digest == nil {
		options.Digest = digest.SHA1
	}
	if options.Properties == nil {
		options.Properties = config.NewProperties(nil)
	}
	if options.Interceptors == nil {
		options.Interceptors = &routing.Interceptors{}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	manager := &Manager{
		domain:        xmpp.FoldDomain(options.Domain),
		secret:        options.Secret,
		digest:        options.Digest,
		properties:    options.Properties,
		tlsConfig:     options.TLSConfig,
		authenticator: options.Authenticator,
		clock:         options.Clock,
		logger:        options.Logger,
		sessions:      make(map[string]*Session),
	}
	manager.clients = options.Clients
	if manager.clients == nil {
		manager.clients = NewClientRegistry(manager.domain, options.Binder, manager.Send, options.Logger)
	}
	manager.router = &PacketRouter{
		domain:        manager.domain,
		clients:       manager.clients,
		router:        options.Router,
		interceptors:  options.Interceptors,
		offline:       options.Offline,
		authenticator: options.Authenticator,
		send:          manager.Send,
		logger:        options.Logger,
	}
	return manager, nil
}

// Clients returns the client session store.
func (m *Manager) Clients() ClientSessions { return m.clients }

// Router returns the packet router.
func (m *Manager) Router() *PacketRouter { return m.router }

// ServeConn implements transport.ConnHandler.
func (m *Manager) ServeConn(ctx context.Context, raw net.Conn) {
	session, err := m.CreateSession(ctx, raw)
	if err != nil {
		m.logger.Debug("connection manager refused",
			"remote_address", raw.RemoteAddr().String(),
			"error", err,
		)
		return
	}
	session.Serve(ctx)
}

// CreateSession reads the manager's stream header from raw, claims the
// requested domain, applies the TLS, compression and idle policies,
// and answers with our header and features. The returned session
// awaits the handshake; run Serve to process it. On error the
// connection has been closed with the appropriate stream error.
func (m *Manager) CreateSession(ctx context.Context, raw net.Conn) (*Session, error) {
	conn := transport.NewConn(raw)
	stream := xmpp.NewStream(conn, m.clock)
	logger := m.logger.With("remote_address", raw.RemoteAddr().String())

	header, err := stream.ReadHeaderTimeout(m.properties.SocketTimeout())
	if err != nil {
		stream.Close()
		return nil, err
	}
	if header.Namespace != xmpp.NSConnectionManager {
		return nil, m.refuse(stream, "", xmpp.InvalidNamespace, logger)
	}
	domain := xmpp.FoldDomain(header.To)
	if domain == "" {
		return nil, m.refuse(stream, "", xmpp.BadFormat, logger)
	}
	logger = logger.With("manager_domain", domain)
	if m.secret == nil {
		logger.Error("no connection manager secret configured")
		return nil, m.refuse(stream, domain, xmpp.InternalServerError, logger)
	}

	tlsPolicy := m.properties.MultiplexTLSPolicy()
	if m.tlsConfig == nil {
		if tlsPolicy == config.PolicyRequired {
			logger.Error("TLS required for connection managers but no certificate configured")
			return nil, m.refuse(stream, domain, xmpp.InternalServerError, logger)
		}
		tlsPolicy = config.PolicyDisabled
	}

	session := &Session{
		manager:           m,
		domain:            domain,
		stream:            stream,
		conn:              conn,
		tlsPolicy:         tlsPolicy,
		compressionPolicy: m.properties.MultiplexCompressionPolicy(),
		logger:            logger,
		state:             StateConnecting,
		done:              make(chan struct{}),
	}
	if !m.claim(session) {
		logger.Warn("connection manager domain already has a live session")
		return nil, m.refuse(stream, domain, xmpp.Conflict, logger)
	}

	conn.SetIdleTimeout(m.clock, m.properties.MultiplexIdleTimeout(), session.idle)

	if err := session.openStream(); err != nil {
		session.Close()
		return nil, err
	}
	session.setState(StateAuthenticating)
	logger.Info("connection manager connected", "stream_id", session.StreamID())
	return session, nil
}

// refuse answers the header, sends condition and closes.
func (m *Manager) refuse(stream *xmpp.Stream, domain string, condition xmpp.Condition, logger *slog.Logger) error {
	logger.Warn("refusing connection manager stream", "condition", string(condition))
	stream.WriteHeader(xmpp.Header{
		Namespace: xmpp.NSConnectionManager,
		From:      domain,
		ID:        xmpp.NewStreamID(),
		Version:   "1.0",
	})
	return stream.Fail(condition, "")
}

func (m *Manager) claim(session *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.domain]; exists {
		return false
	}
	m.sessions[session.domain] = session
	return true
}

func (m *Manager) release(session *Session) {
	m.mu.Lock()
	owned := m.sessions[session.domain] == session
	if owned {
		delete(m.sessions, session.domain)
	}
	m.mu.Unlock()

	if owned {
		if closed := m.clients.CloseManager(session.domain); closed > 0 {
			session.logger.Info("closed client sessions of departed connection manager", "count", closed)
		}
	}
}

// SessionFor returns the live, authenticated session of a manager
// domain, or nil.
func (m *Manager) SessionFor(managerDomain string) *Session {
	m.mu.Lock()
	session := m.sessions[xmpp.FoldDomain(managerDomain)]
	m.mu.Unlock()
	if session == nil || session.State() != StateAuthenticated {
		return nil
	}
	return session
}

// Send writes element to the live session of managerDomain.
func (m *Manager) Send(managerDomain string, element *xmpp.Element) error {
	session := m.SessionFor(managerDomain)
	if session == nil {
		return fmt.Errorf("%w %s", ErrNoSession, managerDomain)
	}
	return session.stream.WriteElement(element)
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()
	for _, session := range sessions {
		session.closeWith(xmpp.SystemShutdown)
	}
}
