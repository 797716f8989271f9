// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads xmppd's configuration file and holds the runtime
// property store the protocol engines read their tunables from.
//
// The file is named by --config or the XMPPD_CONFIG environment
// variable. There is no search path and no fallback file. YAML is the
// native format; files ending in .json or .jsonc are accepted and may
// carry comments and trailing commas.
//
// After loading, the section for the configured environment
// (development, staging, production) is applied over the base values,
// and ${VAR} / ${VAR:-default} patterns in path fields are expanded.
//
// [Properties] is seeded from the dialback and multiplex sections by
// [Config.Properties]. Engines read it on every new connection, so a
// [Properties.Set] at runtime applies to the next connection without a
// restart.
package config
