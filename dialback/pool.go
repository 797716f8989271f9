// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// Pool keeps one outgoing session per remote domain and delivers
// stanzas over it, running dialback on demand. It is the remote
// deliverer of the routing table.
type Pool struct {
	originator *Originator
	port       int
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*OutgoingSession
	dialing  map[string]chan struct{}
}

var _ routing.Deliverer = (*Pool)(nil)

// NewPool dials through originator on demand. A zero port means DefaultPort.
func NewPool(originator *Originator, port int, logger *slog.Logger) *Pool {
	if port == 0 {
		port = DefaultPort
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		originator: originator,
		port:       port,
		logger:     logger,
		sessions:   make(map[string]*OutgoingSession),
		dialing:    make(map[string]chan struct{}),
	}
}

// Deliver sends stanza to the server of its recipient domain.
func (p *Pool) Deliver(ctx context.Context, stanza *xmpp.Element) error {
	local := xmpp.Domain(stanza.Attr("from"))
	remote := xmpp.Domain(stanza.Attr("to"))
	if local == "" || remote == "" {
		return fmt.Errorf("dialback: stanza needs both from and to to leave the server")
	}
	session, err := p.Session(ctx, local, remote)
	if err != nil {
		return err
	}
	return session.Send(stanza)
}

// Session returns an outgoing session to remoteDomain on which
// localDomain is authenticated. Concurrent callers for the same remote
// domain share one connection attempt.
func (p *Pool) Session(ctx context.Context, localDomain, remoteDomain string) (*OutgoingSession, error) {
	remote := xmpp.FoldDomain(remoteDomain)
	for {
		p.mu.Lock()
		if session := p.sessions[remote]; session != nil && !session.Closed() {
			p.mu.Unlock()
			if err := session.AuthenticateDomain(ctx, localDomain); err != nil {
				return nil, err
			}
			return session, nil
		}
		if dialing, ok := p.dialing[remote]; ok {
			p.mu.Unlock()
			select {
			case <-dialing:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		dialing := make(chan struct{})
		p.dialing[remote] = dialing
		p.mu.Unlock()

		session, err := p.originator.CreateOutgoingSession(ctx, localDomain, remote, p.port)

		p.mu.Lock()
		delete(p.dialing, remote)
		if err == nil {
			p.sessions[remote] = session
		}
		p.mu.Unlock()
		close(dialing)

		if err != nil {
			return nil, err
		}
		go p.forget(remote, session)
		return session, nil
	}
}

func (p *Pool) forget(remote string, session *OutgoingSession) {
	<-session.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[remote] == session {
		delete(p.sessions, remote)
		p.logger.Debug("outgoing session ended", "remote_domain", remote)
	}
}

// Close ends every outgoing session.
func (p *Pool) Close() {
	p.mu.Lock()
	sessions := make([]*OutgoingSession, 0, len(p.sessions))
	for _, session := range p.sessions {
		sessions = append(sessions, session)
	}
	p.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
