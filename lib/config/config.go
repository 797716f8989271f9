// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// EnvVar names the environment variable Load reads the file path from.
const EnvVar = "XMPPD_CONFIG"

// Config is the xmppd configuration file.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Domains lists the domains this server hosts.
	Domains DomainsConfig `yaml:"domains"`

	Paths     PathsConfig     `yaml:"paths"`
	S2S       S2SConfig       `yaml:"s2s"`
	Dialback  DialbackConfig  `yaml:"dialback"`
	Multiplex MultiplexConfig `yaml:"multiplex"`
	Cache     CacheConfig     `yaml:"cache"`

	// Users are the accounts PLAIN authentication accepts for
	// multiplexed clients.
	Users []UserConfig `yaml:"users"`

	// Extra are raw property store entries applied after the typed
	// sections, for keys that have no section field.
	Extra map[string]string `yaml:"properties,omitempty"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides are the fields an environment section may replace. Nil and
// empty fields leave the base value alone.
type Overrides struct {
	Paths     *PathsConfig        `yaml:"paths,omitempty"`
	Dialback  *DialbackOverrides  `yaml:"dialback,omitempty"`
	Multiplex *MultiplexOverrides `yaml:"multiplex,omitempty"`
	Cache     *CacheConfig        `yaml:"cache,omitempty"`
	Extra     map[string]string   `yaml:"properties,omitempty"`
}

// DomainsConfig lists hosted domains.
type DomainsConfig struct {
	// Local are the domains this server is authoritative for.
	Local []string `yaml:"local"`

	// Components are subdomains routed to internal components, such as
	// conference.example.org. Dialback accepts them as recipients.
	Components []string `yaml:"components"`
}

// PathsConfig locates files the daemon reads.
type PathsConfig struct {
	// Root is the base directory other paths default under.
	Root string `yaml:"root"`

	// Certificate and Key enable STARTTLS when both are set.
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`
}

// S2SConfig configures server-to-server federation.
type S2SConfig struct {
	// Listen is the address inbound servers connect to.
	Listen string `yaml:"listen"`

	// Port is used for remote domains that publish no SRV records.
	Port int `yaml:"port"`

	// Allow, when non-empty, is the only set of remote domains that may
	// federate. Deny always wins over Allow.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`

	// Peers pins remote domains to host:port addresses, bypassing SRV
	// lookups.
	Peers map[string]string `yaml:"peers"`

	// Digest names the dialback key function: blake3 or sha1.
	Digest string `yaml:"digest"`

	// SocketTimeout bounds connects and stream reads.
	SocketTimeout string `yaml:"socket_timeout"`
}

// DialbackConfig seeds the dialback.* properties.
type DialbackConfig struct {
	Enabled                  bool   `yaml:"enabled"`
	AcceptSelfSigned         bool   `yaml:"accept_self_signed"`
	AllowMultipleConnections bool   `yaml:"allow_multiple_connections"`
	Timeout                  string `yaml:"timeout"`
}

// DialbackOverrides is DialbackConfig with optional fields.
type DialbackOverrides struct {
	Enabled                  *bool  `yaml:"enabled,omitempty"`
	AcceptSelfSigned         *bool  `yaml:"accept_self_signed,omitempty"`
	AllowMultipleConnections *bool  `yaml:"allow_multiple_connections,omitempty"`
	Timeout                  string `yaml:"timeout,omitempty"`
}

// MultiplexConfig configures the connection-manager listener and seeds
// the multiplex.* properties.
type MultiplexConfig struct {
	// Listen is the address connection managers connect to. Empty
	// disables the listener.
	Listen string `yaml:"listen"`

	// SecretFile holds the shared secret connection managers
	// authenticate with.
	SecretFile string `yaml:"secret_file"`

	// Digest names the handshake digest: sha1 (what connection
	// managers send) or blake3.
	Digest string `yaml:"digest"`

	TLSPolicy         Policy `yaml:"tls_policy"`
	CompressionPolicy Policy `yaml:"compression_policy"`
	IdleTimeout       string `yaml:"idle_timeout"`
}

// MultiplexOverrides is MultiplexConfig's policy subset.
type MultiplexOverrides struct {
	TLSPolicy         Policy `yaml:"tls_policy,omitempty"`
	CompressionPolicy Policy `yaml:"compression_policy,omitempty"`
	IdleTimeout       string `yaml:"idle_timeout,omitempty"`
}

// CacheConfig selects where the dialback secret is shared.
type CacheConfig struct {
	// Backend is memory (single node) or sqlite (a file shared by
	// every node of a cluster).
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// Node names this process in lock leases.
	Node string `yaml:"node"`

	// IdentityFile, when set, holds an age identity used to seal
	// cached values.
	IdentityFile string `yaml:"identity_file"`
}

// UserConfig is one PLAIN account.
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the base configuration a file is merged into. The
// file is still required; these only fill fields it leaves out.
func Default() *Config {
	root := "/var/lib/xmppd"
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root: root,
		},
		S2S: S2SConfig{
			Listen:        ":5269",
			Port:          5269,
			Digest:        "blake3",
			SocketTimeout: DefaultSocketTimeout.String(),
		},
		Dialback: DialbackConfig{
			Enabled: true,
			Timeout: DefaultDialbackTimeout.String(),
		},
		Multiplex: MultiplexConfig{
			Digest:            "sha1",
			TLSPolicy:         PolicyOptional,
			CompressionPolicy: PolicyOptional,
			IdleTimeout:       DefaultIdleTimeout.String(),
		},
		Cache: CacheConfig{
			Backend: "memory",
			Path:    "${XMPPD_ROOT}/cache.db",
		},
	}
}

// Load reads the file named by XMPPD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of your xmppd.yaml, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads the file at path over Default().
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		setIfNonEmpty(&c.Paths.Root, paths.Root)
		setIfNonEmpty(&c.Paths.Certificate, paths.Certificate)
		setIfNonEmpty(&c.Paths.Key, paths.Key)
	}
	if dialback := overrides.Dialback; dialback != nil {
		setIfNonNil(&c.Dialback.Enabled, dialback.Enabled)
		setIfNonNil(&c.Dialback.AcceptSelfSigned, dialback.AcceptSelfSigned)
		setIfNonNil(&c.Dialback.AllowMultipleConnections, dialback.AllowMultipleConnections)
		setIfNonEmpty(&c.Dialback.Timeout, dialback.Timeout)
	}
	if multiplex := overrides.Multiplex; multiplex != nil {
		setIfNonEmpty(&c.Multiplex.TLSPolicy, multiplex.TLSPolicy)
		setIfNonEmpty(&c.Multiplex.CompressionPolicy, multiplex.CompressionPolicy)
		setIfNonEmpty(&c.Multiplex.IdleTimeout, multiplex.IdleTimeout)
	}
	if cache := overrides.Cache; cache != nil {
		setIfNonEmpty(&c.Cache.Backend, cache.Backend)
		setIfNonEmpty(&c.Cache.Path, cache.Path)
		setIfNonEmpty(&c.Cache.Node, cache.Node)
		setIfNonEmpty(&c.Cache.IdentityFile, cache.IdentityFile)
	}
	for key, value := range overrides.Extra {
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[key] = value
	}
}

func setIfNonEmpty[T ~string](target *T, value T) {
	if value != "" {
		*target = value
	}
}

func setIfNonNil[T any](target *T, value *T) {
	if value != nil {
		*target = *value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"XMPPD_ROOT": expandVars(c.Paths.Root, nil),
		"HOME":       os.Getenv("HOME"),
	}
	c.Paths.Root = vars["XMPPD_ROOT"]
	c.Paths.Certificate = expandVars(c.Paths.Certificate, vars)
	c.Paths.Key = expandVars(c.Paths.Key, vars)
	c.Multiplex.SecretFile = expandVars(c.Multiplex.SecretFile, vars)
	c.Cache.Path = expandVars(c.Cache.Path, vars)
	c.Cache.IdentityFile = expandVars(c.Cache.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars is consulted
// before the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if len(c.Domains.Local) == 0 {
		errs = append(errs, errors.New("domains.local must list at least one domain"))
	}
	if (c.Paths.Certificate == "") != (c.Paths.Key == "") {
		errs = append(errs, errors.New("paths.certificate and paths.key must be set together"))
	}
	if c.S2S.Listen == "" {
		errs = append(errs, errors.New("s2s.listen is required"))
	}
	if c.S2S.Port <= 0 || c.S2S.Port > 65535 {
		errs = append(errs, fmt.Errorf("s2s.port %d is out of range", c.S2S.Port))
	}
	for _, domain := range slices.Sorted(maps.Keys(c.S2S.Peers)) {
		if _, _, err := net.SplitHostPort(c.S2S.Peers[domain]); err != nil {
			errs = append(errs, fmt.Errorf("s2s.peers[%s]: %w", domain, err))
		}
	}
	for _, name := range []string{c.S2S.Digest, c.Multiplex.Digest} {
		if name != "blake3" && name != "sha1" {
			errs = append(errs, fmt.Errorf("unknown digest %q (expected blake3 or sha1)", name))
		}
	}

	durations := map[string]string{
		"s2s.socket_timeout":     c.S2S.SocketTimeout,
		"dialback.timeout":       c.Dialback.Timeout,
		"multiplex.idle_timeout": c.Multiplex.IdleTimeout,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if duration, err := time.ParseDuration(durations[key]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		} else if duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if _, err := ParsePolicy(string(c.Multiplex.TLSPolicy)); err != nil {
		errs = append(errs, fmt.Errorf("multiplex.tls_policy: %w", err))
	}
	if _, err := ParsePolicy(string(c.Multiplex.CompressionPolicy)); err != nil {
		errs = append(errs, fmt.Errorf("multiplex.compression_policy: %w", err))
	}
	if c.Multiplex.Listen != "" && c.Multiplex.SecretFile == "" {
		errs = append(errs, errors.New("multiplex.secret_file is required when multiplex.listen is set"))
	}
	if c.Multiplex.TLSPolicy == PolicyRequired && c.Paths.Certificate == "" {
		errs = append(errs, errors.New("multiplex.tls_policy is required but no certificate is configured"))
	}

	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			errs = append(errs, errors.New("cache.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q (expected memory or sqlite)", c.Cache.Backend))
	}

	if c.Environment == Production && c.Dialback.AcceptSelfSigned {
		errs = append(errs, errors.New("dialback.accept_self_signed is not allowed in production"))
	}

	for index, user := range c.Users {
		if user.Username == "" || user.Password == "" {
			errs = append(errs, fmt.Errorf("users[%d]: username and password are required", index))
		}
	}

	return errors.Join(errs...)
}

// Properties returns a property store seeded from the dialback and
// multiplex sections, with the raw properties map applied last.
func (c *Config) Properties() *Properties {
	seed := map[string]string{
		KeyDialbackEnabled:            fmt.Sprint(c.Dialback.Enabled),
		KeyAcceptSelfSigned:           fmt.Sprint(c.Dialback.AcceptSelfSigned),
		KeyAllowMultipleConnections:   fmt.Sprint(c.Dialback.AllowMultipleConnections),
		KeyDialbackTimeout:            c.Dialback.Timeout,
		KeySocketTimeout:              c.S2S.SocketTimeout,
		KeyMultiplexTLSPolicy:         string(c.Multiplex.TLSPolicy),
		KeyMultiplexCompressionPolicy: string(c.Multiplex.CompressionPolicy),
		KeyMultiplexIdleTimeout:       c.Multiplex.IdleTimeout,
	}
	for key, value := range c.Extra {
		seed[key] = value
	}
	return NewProperties(seed)
}
