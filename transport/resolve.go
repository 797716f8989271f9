// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoCandidates is returned when no resolved address of a domain
// accepted a connection.
var ErrNoCandidates = errors.New("transport: no reachable address for domain")

// Resolver maps a domain to the addresses to try, in order.
type Resolver interface {
	Resolve(ctx context.Context, domain string, defaultPort int) ([]string, error)
}

// serverServices are the SRV services tried in order. The _jabber
// record predates RFC 6120 but is still published by some servers.
var serverServices = []string{"xmpp-server", "jabber"}

// SRVResolver looks up _xmpp-server._tcp, then _jabber._tcp, and falls
// back to the domain itself on defaultPort when neither has records.
type SRVResolver struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
	Logger   *slog.Logger
}

func (r *SRVResolver) Resolve(ctx context.Context, domain string, defaultPort int) ([]string, error) {
	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	for _, service := range serverServices {
		_, records, err := resolver.LookupSRV(ctx, service, "tcp", domain)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Debug("SRV lookup failed",
					"service", service,
					"domain", domain,
					"error", err,
				)
			}
			continue
		}
		if len(records) == 1 && records[0].Target == "." {
			// RFC 2782: the service is decidedly not available.
			return nil, fmt.Errorf("%s publishes no %s service", domain, service)
		}
		var addresses []string
		for _, record := range records {
			host := strings.TrimSuffix(record.Target, ".")
			addresses = append(addresses, net.JoinHostPort(host, strconv.Itoa(int(record.Port))))
		}
		if len(addresses) > 0 {
			return addresses, nil
		}
	}
	return []string{net.JoinHostPort(domain, strconv.Itoa(defaultPort))}, nil
}

// StaticResolver serves fixed address lists, for tests and for peers
// configured by address.
type StaticResolver map[string][]string

func (r StaticResolver) Resolve(_ context.Context, domain string, _ int) ([]string, error) {
	addresses, ok := r[domain]
	if !ok || len(addresses) == 0 {
		return nil, fmt.Errorf("no static address for %s", domain)
	}
	return addresses, nil
}

// DialDomain connects to domain, trying each resolved address in order
// until one accepts. A positive timeout bounds resolution and each
// connect attempt separately, so a silent candidate does not use up the
// budget of the ones after it. It returns the connection and the
// address used.
func DialDomain(ctx context.Context, resolver Resolver, dialer Dialer, domain string, defaultPort int, timeout time.Duration) (net.Conn, string, error) {
	resolveContext, cancel := withOptionalTimeout(ctx, timeout)
	addresses, err := resolver.Resolve(resolveContext, domain, defaultPort)
	cancel()
	if err != nil {
		return nil, "", fmt.Errorf("%w %s: %w", ErrNoCandidates, domain, err)
	}
	var failures []error
	for _, address := range addresses {
		attemptContext, cancel := withOptionalTimeout(ctx, timeout)
		conn, err := dialer.DialContext(attemptContext, address)
		cancel()
		if err == nil {
			return conn, address, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", address, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("%w %s: %w", ErrNoCandidates, domain, errors.Join(failures...))
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// OverrideResolver serves configured addresses for some domains and
// asks its fallback about the rest. Overrides may change while it is
// in use.
type OverrideResolver struct {
	fallback Resolver

	mu     sync.RWMutex
	static StaticResolver
}

// NewOverrideResolver returns a resolver with no overrides. fallback
// may be nil, in which case only overridden domains resolve.
func NewOverrideResolver(fallback Resolver) *OverrideResolver {
	return &OverrideResolver{fallback: fallback, static: StaticResolver{}}
}

// Set pins domain to addresses. No addresses removes the override.
func (r *OverrideResolver) Set(domain string, addresses ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(addresses) == 0 {
		delete(r.static, domain)
		return
	}
	r.static[domain] = slices.Clone(addresses)
}

func (r *OverrideResolver) Resolve(ctx context.Context, domain string, defaultPort int) ([]string, error) {
	r.mu.RLock()
	addresses := r.static[domain]
	r.mu.RUnlock()
	if len(addresses) > 0 {
		return addresses, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no address configured for %s", domain)
	}
	return r.fallback.Resolve(ctx, domain, defaultPort)
}
