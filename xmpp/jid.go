// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/idna"
)

// Domain returns the domainpart of a JID ("user@example.org/res" gives
// "example.org").
func Domain(jid string) string {
	if slash := strings.IndexByte(jid, '/'); slash >= 0 {
		jid = jid[:slash]
	}
	if at := strings.LastIndexByte(jid, '@'); at >= 0 {
		jid = jid[at+1:]
	}
	return jid
}

// Bare returns the JID without its resource.
func Bare(jid string) string {
	if slash := strings.IndexByte(jid, '/'); slash >= 0 {
		return jid[:slash]
	}
	return jid
}

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// NormalizeDomain maps a domain to the lowercase ASCII form used for
// every comparison, so that "Example.ORG", "example.org." and an IDN
// spelled in Unicode all compare equal to their canonical name.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", errors.New("empty domain")
	}
	ascii, err := domainProfile.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	return strings.ToLower(ascii), nil
}

// FoldDomain is NormalizeDomain for contexts that cannot reject the
// value: an invalid domain folds to its lowercase form, which will not
// match any valid configured domain.
func FoldDomain(domain string) string {
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	return normalized
}

// IsSubdomain reports whether domain is parent or a subdomain of it.
// Both arguments must be normalized.
func IsSubdomain(domain, parent string) bool {
	return domain == parent || strings.HasSuffix(domain, "."+parent)
}

// NewStreamID returns a fresh, unique stream identifier.
func NewStreamID() string {
	return uuid.NewString()
}
