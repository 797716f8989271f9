// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"
)

// Property keys and their defaults.
const (
	KeyDialbackEnabled            = "dialback.enabled"
	KeyAcceptSelfSigned           = "dialback.accept_self_signed"
	KeyAllowMultipleConnections   = "dialback.allow_multiple_connections"
	KeyDialbackTimeout            = "dialback.timeout"
	KeySocketTimeout              = "s2s.socket_timeout"
	KeyMultiplexTLSPolicy         = "multiplex.tls_policy"
	KeyMultiplexCompressionPolicy = "multiplex.compression_policy"
	KeyMultiplexIdleTimeout       = "multiplex.idle_timeout"
)

const (
	DefaultDialbackTimeout = 5 * time.Second
	DefaultSocketTimeout   = 20 * time.Second
	DefaultIdleTimeout     = 5 * time.Minute
)

// Policy is a disabled/optional/required switch for a stream feature.
type Policy string

const (
	PolicyDisabled Policy = "disabled"
	PolicyOptional Policy = "optional"
	PolicyRequired Policy = "required"
)

// ParsePolicy validates a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch policy := Policy(name); policy {
	case PolicyDisabled, PolicyOptional, PolicyRequired:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown policy %q (expected disabled, optional or required)", name)
	}
}

// Properties is a concurrent string map with typed, defaulting reads.
// A value that fails to parse reads as the default.
type Properties struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewProperties copies initial into a new store.
func NewProperties(initial map[string]string) *Properties {
	values := make(map[string]string, len(initial))
	maps.Copy(values, initial)
	return &Properties{values: values}
}

// Set stores value under key.
func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Delete removes key, so reads fall back to defaults.
func (p *Properties) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

// Snapshot returns a copy of every stored entry.
func (p *Properties) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.values)
}

func (p *Properties) lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.values[key]
	return value, ok && value != ""
}

// String reads key, or fallback when unset.
func (p *Properties) String(key, fallback string) string {
	if value, ok := p.lookup(key); ok {
		return value
	}
	return fallback
}

// Bool reads key as a strconv.ParseBool value.
func (p *Properties) Bool(key string, fallback bool) bool {
	value, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// Duration reads key as a time.ParseDuration value. Non-positive
// durations read as fallback.
func (p *Properties) Duration(key string, fallback time.Duration) time.Duration {
	value, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// Policy reads key as a Policy.
func (p *Properties) Policy(key string, fallback Policy) Policy {
	policy, err := ParsePolicy(p.String(key, string(fallback)))
	if err != nil {
		return fallback
	}
	return policy
}

func (p *Properties) DialbackEnabled() bool {
	return p.Bool(KeyDialbackEnabled, true)
}

func (p *Properties) AcceptSelfSigned() bool {
	return p.Bool(KeyAcceptSelfSigned, false)
}

func (p *Properties) AllowMultipleConnections() bool {
	return p.Bool(KeyAllowMultipleConnections, false)
}

func (p *Properties) DialbackTimeout() time.Duration {
	return p.Duration(KeyDialbackTimeout, DefaultDialbackTimeout)
}

func (p *Properties) SocketTimeout() time.Duration {
	return p.Duration(KeySocketTimeout, DefaultSocketTimeout)
}

func (p *Properties) MultiplexTLSPolicy() Policy {
	return p.Policy(KeyMultiplexTLSPolicy, PolicyOptional)
}

func (p *Properties) MultiplexCompressionPolicy() Policy {
	return p.Policy(KeyMultiplexCompressionPolicy, PolicyOptional)
}

func (p *Properties) MultiplexIdleTimeout() time.Duration {
	return p.Duration(KeyMultiplexIdleTimeout, DefaultIdleTimeout)
}
