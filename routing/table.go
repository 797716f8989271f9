// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/xmppd/xmpp"
)

// ErrNoRoute is returned by Route when nothing accepts the destination.
var ErrNoRoute = errors.New("routing: no route to destination")

// Deliverer accepts stanzas for an address, a component domain, or
// remote domains.
type Deliverer interface {
	Deliver(ctx context.Context, stanza *xmpp.Element) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, stanza *xmpp.Element) error

func (f DelivererFunc) Deliver(ctx context.Context, stanza *xmpp.Element) error {
	return f(ctx, stanza)
}

// Table is the routing table. Lookup order for a destination: the full
// address, its bare address, a component route for its domain, and
// finally the remote deliverer for domains this server does not serve.
type Table struct {
	logger *slog.Logger

	mu           sync.RWMutex
	localDomains map[string]struct{}
	components   map[string]Deliverer
	addresses    map[string]Deliverer
	remote       Deliverer
}

// NewTable creates a table serving localDomains.
func NewTable(localDomains []string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	table := &Table{
		logger:       logger,
		localDomains: make(map[string]struct{}),
		components:   make(map[string]Deliverer),
		addresses:    make(map[string]Deliverer),
	}
	for _, domain := range localDomains {
		table.localDomains[xmpp.FoldDomain(domain)] = struct{}{}
	}
	return table
}

// AddLocalDomain starts serving domain.
func (t *Table) AddLocalDomain(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDomains[xmpp.FoldDomain(domain)] = struct{}{}
}

// IsLocalDomain reports whether domain is served by this server.
func (t *Table) IsLocalDomain(domain string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.localDomains[xmpp.FoldDomain(domain)]
	return ok
}

// LocalDomains returns the served domains in no particular order.
func (t *Table) LocalDomains() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	domains := make([]string, 0, len(t.localDomains))
	for domain := range t.localDomains {
		domains = append(domains, domain)
	}
	return domains
}

// AddComponent routes every address at domain to deliverer. domain is
// normally a subdomain of a local domain.
func (t *Table) AddComponent(domain string, deliverer Deliverer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.components[xmpp.FoldDomain(domain)] = deliverer
}

// RemoveComponent drops a component route.
func (t *Table) RemoveComponent(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.components, xmpp.FoldDomain(domain))
}

// HasComponentRoute reports whether a component is routed at domain.
func (t *Table) HasComponentRoute(domain string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.components[xmpp.FoldDomain(domain)]
	return ok
}

// Bind routes address (full or bare) to deliverer, replacing any
// previous binding.
func (t *Table) Bind(address string, deliverer Deliverer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[address] = deliverer
}

// Unbind removes the binding for address.
func (t *Table) Unbind(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addresses, address)
}

// SetRemote sets the deliverer for domains that are neither local nor
// components, normally the outgoing server session pool.
func (t *Table) SetRemote(deliverer Deliverer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = deliverer
}

// Route delivers stanza to its "to" address.
func (t *Table) Route(ctx context.Context, stanza *xmpp.Element) error {
	to := stanza.Attr("to")
	domain := xmpp.FoldDomain(xmpp.Domain(to))
	if domain == "" {
		return fmt.Errorf("%w: stanza has no destination", ErrNoRoute)
	}

	deliverer, err := t.lookup(to, domain)
	if err != nil {
		t.logger.Debug("no route for stanza",
			"to", to,
			"stanza", stanza.Name,
		)
		return err
	}
	return deliverer.Deliver(ctx, stanza)
}

func (t *Table) lookup(to, domain string) (Deliverer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if deliverer, ok := t.addresses[to]; ok {
		return deliverer, nil
	}
	if deliverer, ok := t.addresses[xmpp.Bare(to)]; ok {
		return deliverer, nil
	}
	if deliverer, ok := t.components[domain]; ok {
		return deliverer, nil
	}
	if _, ok := t.localDomains[domain]; ok {
		return nil, fmt.Errorf("%w: %s is not online", ErrNoRoute, to)
	}
	if t.remote != nil {
		return t.remote, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, domain)
}
