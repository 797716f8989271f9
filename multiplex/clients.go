// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// Binder makes client addresses routable. *routing.Table implements it.
type Binder interface {
	Bind(address string, deliverer routing.Deliverer)
	Unbind(address string)
}

// Sender writes an element to the live session of a connection
// manager domain.
type Sender func(managerDomain string, element *xmpp.Element) error

// ClientSession is one client stream multiplexed over a connection
// manager. Until it authenticates its address is domain/streamid.
type ClientSession struct {
	managerDomain string
	streamID      string
	domain        string
	send          Sender

	mu       sync.Mutex
	address  string
	username string

	// mechanism is the SASL mechanism awaiting a response.
	mechanism string

	packets atomic.Int64
}

func (c *ClientSession) ManagerDomain() string { return c.managerDomain }
func (c *ClientSession) StreamID() string      { return c.streamID }

// Address is the address stamped on the client's stanzas.
func (c *ClientSession) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Username is empty until the client has authenticated.
func (c *ClientSession) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Packets counts the stanzas the client sent that were routed.
func (c *ClientSession) Packets() int64 { return c.packets.Load() }

// Deliver sends stanza to the client, wrapped for its manager.
func (c *ClientSession) Deliver(_ context.Context, stanza *xmpp.Element) error {
	return c.send(c.managerDomain, wrap(c.domain, c.managerDomain, c.streamID, stanza))
}

// ClientSessions stores client sessions by manager domain and client
// stream id.
type ClientSessions interface {
	// Create returns the session for streamID, creating it if needed.
	Create(managerDomain, streamID string) *ClientSession
	Lookup(managerDomain, streamID string) *ClientSession

	// Authenticated binds the session to username and makes its full
	// address routable.
	Authenticated(session *ClientSession, username string)

	// Close removes a session and reports whether it existed.
	Close(managerDomain, streamID string) bool

	// CloseManager removes every session of a manager domain and
	// returns how many there were.
	CloseManager(managerDomain string) int
}

type clientKey struct {
	managerDomain string
	streamID      string
}

// ClientRegistry is the in-process ClientSessions.
type ClientRegistry struct {
	domain string
	binder Binder
	send   Sender
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[clientKey]*ClientSession
}

// NewClientRegistry creates a registry for clients of domain. send
// carries traffic to managers; binder may be nil.
func NewClientRegistry(domain string, binder Binder, send Sender, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ClientRegistry{
		domain:   domain,
		binder:   binder,
		send:     send,
		logger:   logger,
		sessions: make(map[clientKey]*ClientSession),
	}
}

func (r *ClientRegistry) Create(managerDomain, streamID string) *ClientSession {
	key := clientKey{managerDomain, streamID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[key]; ok {
		return session
	}
	session := &ClientSession{
		managerDomain: managerDomain,
		streamID:      streamID,
		domain:        r.domain,
		send:          r.send,
		address:       r.domain + "/" + streamID,
	}
	r.sessions[key] = session
	r.logger.Debug("client session created", "manager_domain", managerDomain, "client_stream_id", streamID)
	return session
}

func (r *ClientRegistry) Lookup(managerDomain, streamID string) *ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[clientKey{managerDomain, streamID}]
}

func (r *ClientRegistry) Authenticated(session *ClientSession, username string) {
	session.mu.Lock()
	session.username = username
	session.address = username + "@" + r.domain + "/" + session.streamID
	address := session.address
	session.mu.Unlock()

	if r.binder != nil {
		r.binder.Bind(address, session)
	}
	r.logger.Info("client authenticated",
		"manager_domain", session.managerDomain,
		"client_stream_id", session.streamID,
		"address", address,
	)
}

func (r *ClientRegistry) Close(managerDomain, streamID string) bool {
	r.mu.Lock()
	session, ok := r.sessions[clientKey{managerDomain, streamID}]
	delete(r.sessions, clientKey{managerDomain, streamID})
	r.mu.Unlock()
	if ok {
		r.unbind(session)
	}
	return ok
}

func (r *ClientRegistry) CloseManager(managerDomain string) int {
	r.mu.Lock()
	var closed []*ClientSession
	for key, session := range r.sessions {
		if key.managerDomain == managerDomain {
			closed = append(closed, session)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()
	for _, session := range closed {
		r.unbind(session)
	}
	return len(closed)
}

func (r *ClientRegistry) unbind(session *ClientSession) {
	if r.binder != nil && session.Username() != "" {
		r.binder.Unbind(session.Address())
	}
}
