// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"sync"

	"github.com/bureau-foundation/xmppd/xmpp"
)

// Sessions tracks validated incoming sessions per (remote, local)
// domain pair for the duplicate-session gate.
type Sessions interface {
	// Reserve claims the pair for a validation in progress. It fails
	// when a session for the pair exists or another validation holds
	// the claim. The returned release must be called once the
	// validation is over, whether or not it registered a session.
	Reserve(remoteDomain, localDomain string) (release func(), ok bool)

	// Register records that session has validated the pair. The
	// registration ends when the session closes.
	Register(session *IncomingSession, remoteDomain, localDomain string)

	// Count returns the number of live sessions registered for the pair.
	Count(remoteDomain, localDomain string) int
}

type domainPair struct {
	remote string
	local  string
}

func pairOf(remoteDomain, localDomain string) domainPair {
	return domainPair{remote: xmpp.FoldDomain(remoteDomain), local: xmpp.FoldDomain(localDomain)}
}

// Registry is the in-process Sessions implementation.
type Registry struct {
	mu       sync.Mutex
	sessions map[domainPair]map[*IncomingSession]struct{}
	claims   map[domainPair]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domainPair]map[*IncomingSession]struct{}),
		claims:   make(map[domainPair]struct{}),
	}
}

func (r *Registry) Reserve(remoteDomain, localDomain string) (func(), bool) {
	pair := pairOf(remoteDomain, localDomain)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions[pair]) > 0 {
		return nil, false
	}
	if _, claimed := r.claims[pair]; claimed {
		return nil, false
	}
	r.claims[pair] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.claims, pair)
		})
	}, true
}

func (r *Registry) Register(session *IncomingSession, remoteDomain, localDomain string) {
	pair := pairOf(remoteDomain, localDomain)

	r.mu.Lock()
	set := r.sessions[pair]
	if set == nil {
		set = make(map[*IncomingSession]struct{})
		r.sessions[pair] = set
	}
	set[session] = struct{}{}
	r.mu.Unlock()

	session.onClose(func() { r.remove(pair, session) })
}

func (r *Registry) remove(pair domainPair, session *IncomingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[pair]
	delete(set, session)
	if len(set) == 0 {
		delete(r.sessions, pair)
	}
}

func (r *Registry) Count(remoteDomain, localDomain string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[pairOf(remoteDomain, localDomain)])
}
