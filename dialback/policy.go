// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"strings"

	"github.com/bureau-foundation/xmppd/xmpp"
)

// Secrets supplies the dialback secret. *sharedsecret.Store is the
// production implementation.
type Secrets interface {
	GetOrCreate(ctx context.Context) (string, error)
}

// StaticSecret is a fixed secret, for tests and single-node setups
// without a cache.
type StaticSecret string

func (s StaticSecret) GetOrCreate(context.Context) (string, error) {
	return string(s), nil
}

// AccessPolicy decides which remote domains may federate with us.
type AccessPolicy interface {
	CanAccess(remoteDomain string) bool
}

// DomainTable answers which domains this server is responsible for.
// *routing.Table implements it.
type DomainTable interface {
	IsLocalDomain(domain string) bool
	HasComponentRoute(domain string) bool
}

// serves reports whether domain is local or a routed component.
func serves(domains DomainTable, domain string) bool {
	return domains.IsLocalDomain(domain) || domains.HasComponentRoute(domain)
}

// DomainPolicy is an allow/deny list of remote domains. A pattern
// "*.example.com" matches every subdomain of example.com but not
// example.com itself. Deny wins over allow; an empty allow list admits
// every domain that is not denied.
type DomainPolicy struct {
	allow []string
	deny  []string
}

func NewDomainPolicy(allow, deny []string) *DomainPolicy {
	policy := &DomainPolicy{}
	for _, pattern := range allow {
		policy.allow = append(policy.allow, xmpp.FoldDomain(pattern))
	}
	for _, pattern := range deny {
		policy.deny = append(policy.deny, xmpp.FoldDomain(pattern))
	}
	return policy
}

func (p *DomainPolicy) CanAccess(remoteDomain string) bool {
	domain := xmpp.FoldDomain(remoteDomain)
	if domain == "" {
		return false
	}
	for _, pattern := range p.deny {
		if matchDomain(pattern, domain) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, pattern := range p.allow {
		if matchDomain(pattern, domain) {
			return true
		}
	}
	return false
}

func matchDomain(pattern, domain string) bool {
	if parent, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(domain, "."+parent)
	}
	return pattern == domain
}

// AllowAll admits every remote domain.
type AllowAll struct{}

func (AllowAll) CanAccess(string) bool { return true }
