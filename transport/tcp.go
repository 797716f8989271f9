// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener serves stream connections on a TCP address.
type TCPListener struct {
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewTCPListener binds address (":5269", "127.0.0.1:0").
func NewTCPListener(address string, logger *slog.Logger) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TCPListener{
		listener: listener,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve runs the accept loop. On shutdown it closes every connection
// still being served and waits for the handlers to return.
func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var handlers sync.WaitGroup
	defer func() {
		cancel()
		l.closeTracked()
		handlers.Wait()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netError net.Error
			if errors.As(err, &netError) && netError.Timeout() {
				continue
			}
			return err
		}
		if !l.track(conn) {
			conn.Close()
			return nil
		}
		l.logger.Debug("accepted connection", "remote_address", conn.RemoteAddr().String())

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer l.untrack(conn)
			handler.ServeConn(ctx, conn)
		}()
	}
}

func (l *TCPListener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *TCPListener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *TCPListener) closeTracked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		conn.Close()
	}
}

// Address returns the bound "host:port".
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// TCPDialer opens TCP connections. Timeout bounds each connect attempt;
// the socket timeout property is passed here.
type TCPDialer struct {
	Timeout time.Duration
}

func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
