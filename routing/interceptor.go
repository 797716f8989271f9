// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"errors"
	"sync"

	"github.com/bureau-foundation/xmppd/xmpp"
)

// Rejection is returned by an interceptor that refuses a stanza.
// Reason, when set, is told to the sender.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return "stanza rejected"
	}
	return "stanza rejected: " + r.Reason
}

// IsRejection returns the Rejection in err's chain, if any.
func IsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// Interceptor inspects a stanza as it passes a session. address is the
// session's bound address. incoming is true for stanzas the session
// sent; processed is false before routing and true after.
type Interceptor interface {
	Intercept(stanza *xmpp.Element, address string, incoming, processed bool) error
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(stanza *xmpp.Element, address string, incoming, processed bool) error

func (f InterceptorFunc) Intercept(stanza *xmpp.Element, address string, incoming, processed bool) error {
	return f(stanza, address, incoming, processed)
}

// Interceptors is an ordered interceptor chain. The zero value is an
// empty chain.
type Interceptors struct {
	mu    sync.RWMutex
	chain []Interceptor
}

// Add appends interceptor to the chain.
func (c *Interceptors) Add(interceptor Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = append(c.chain, interceptor)
}

// Invoke runs the chain in order and stops at the first error.
func (c *Interceptors) Invoke(stanza *xmpp.Element, address string, incoming, processed bool) error {
	c.mu.RLock()
	chain := c.chain
	c.mu.RUnlock()

	for _, interceptor := range chain {
		if err := interceptor.Intercept(stanza, address, incoming, processed); err != nil {
			return err
		}
	}
	return nil
}
