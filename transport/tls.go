// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"fmt"
)

// ServerTLSConfig loads the certificate offered by STARTTLS.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig verifies the peer certificate against domain. With
// acceptSelfSigned the chain is not verified; dialback still has to
// authenticate the peer.
func ClientTLSConfig(domain string, acceptSelfSigned bool) *tls.Config {
	return &tls.Config{
		ServerName:         domain,
		InsecureSkipVerify: acceptSelfSigned,
		MinVersion:         tls.VersionTLS12,
	}
}
