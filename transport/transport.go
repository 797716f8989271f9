// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// ConnHandler serves one accepted connection. ServeConn owns conn and
// must close it before returning. ctx is cancelled when the listener
// shuts down.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Listener accepts inbound stream connections: remote servers on the
// federation port, connection managers on the multiplexer port.
type Listener interface {
	// Serve accepts connections and hands each to handler on its own
	// goroutine. It blocks until ctx is cancelled or Close is called,
	// and returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the bound "host:port".
	Address() string

	// Close stops accepting. Connections already handed out are
	// closed when Serve returns.
	Close() error
}

// Dialer opens outbound connections to a resolved "host:port".
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
