// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bureau-foundation/xmppd/lib/digest"
)

var (
	// ErrMechanism is returned for SASL mechanisms other than PLAIN.
	ErrMechanism = errors.New("routing: unsupported SASL mechanism")

	// ErrCredentials is returned for an unknown user or a wrong
	// password. The two are not distinguished.
	ErrCredentials = errors.New("routing: invalid credentials")
)

// PlainAuthenticator verifies SASL PLAIN exchanges against a fixed set
// of users.
type PlainAuthenticator struct {
	domain string
	users  map[string]string
}

// NewPlainAuthenticator serves users (username to password) of domain.
func NewPlainAuthenticator(domain string, users map[string]string) *PlainAuthenticator {
	copied := make(map[string]string, len(users))
	for username, password := range users {
		copied[username] = password
	}
	return &PlainAuthenticator{domain: domain, users: copied}
}

// Domain returns the domain users are authenticated for.
func (a *PlainAuthenticator) Domain() string {
	return a.domain
}

// Authenticate checks the base64 payload of an <auth/> or <response/>
// and returns the authenticated username.
func (a *PlainAuthenticator) Authenticate(mechanism, payload string) (string, error) {
	if mechanism != "PLAIN" {
		return "", fmt.Errorf("%w: %q", ErrMechanism, mechanism)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload is not base64", ErrCredentials)
	}
	// authzid NUL authcid NUL password
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed PLAIN message", ErrCredentials)
	}
	username, password := string(parts[1]), string(parts[2])
	if authzid := string(parts[0]); authzid != "" && authzid != username+"@"+a.domain {
		return "", fmt.Errorf("%w: cannot act as %s", ErrCredentials, authzid)
	}

	expected, ok := a.users[username]
	// Unknown users still go through the comparison.
	if !digest.Equal(expected, password) || !ok {
		return "", ErrCredentials
	}
	return username, nil
}
