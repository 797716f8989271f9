// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/bureau-foundation/xmppd/lib/clock"
)

// Conn is a stream connection whose byte layer can be upgraded in
// place: STARTTLS, then XEP-0138 zlib compression. It also enforces an
// idle policy that only counts bytes received from the peer.
//
// Read must be called from one goroutine. Write may be called from
// several.
type Conn struct {
	raw net.Conn

	// mu guards the layer fields against concurrent writers while a
	// layer is being added.
	mu         sync.Mutex
	current    net.Conn
	reader     io.Reader
	writer     io.Writer
	flusher    interface{ Flush() error }
	tlsState   *tls.ConnectionState
	compressed bool

	// pendingInflate is set by Compress; the inflater is built on the
	// first Read because zlib.NewReader blocks reading the header.
	pendingInflate bool

	idleTimer   *clock.Timer
	idleTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps raw.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, current: raw, reader: raw, writer: raw}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.pendingInflate {
		inflater, err := zlib.NewReader(c.reader)
		if err != nil {
			return 0, fmt.Errorf("starting zlib stream: %w", err)
		}
		c.reader = inflater
		c.pendingInflate = false
	}
	n, err := c.reader.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.writer.Write(p)
	if err != nil {
		return n, err
	}
	if c.flusher != nil {
		// Each stanza must reach the peer as soon as it is written.
		if err := c.flusher.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close stops the idle timer and closes the connection. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		current := c.current
		c.mu.Unlock()
		c.closeErr = current.Close()
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// StartTLS upgrades the connection. The caller must have sent (as
// server) or received (as client) <proceed/> and must restart the XML
// stream afterwards.
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config, server bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tlsState != nil {
		return errors.New("transport: TLS already negotiated")
	}
	if c.compressed {
		return errors.New("transport: TLS cannot follow compression")
	}
	var tlsConn *tls.Conn
	if server {
		tlsConn = tls.Server(c.raw, config)
	} else {
		tlsConn = tls.Client(c.raw, config)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	state := tlsConn.ConnectionState()
	c.tlsState = &state
	c.current = tlsConn
	c.reader = tlsConn
	c.writer = tlsConn
	return nil
}

// Compress starts zlib compression in both directions. The caller must
// have exchanged <compress/> and <compressed/> and must restart the
// XML stream afterwards.
func (c *Conn) Compress() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.compressed {
		return errors.New("transport: compression already active")
	}
	deflater := zlib.NewWriter(c.writer)
	c.writer = deflater
	c.flusher = deflater
	c.pendingInflate = true
	c.compressed = true
	return nil
}

// Secure reports whether TLS has been negotiated.
func (c *Conn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsState != nil
}

// Compressed reports whether compression is active.
func (c *Conn) Compressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressed
}

// TLSState returns the negotiated TLS state, or nil.
func (c *Conn) TLSState() *tls.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsState
}

// SetIdleTimeout arranges for onIdle to run once timeout passes with no
// bytes received. Writes do not count as activity. A second call
// replaces the first; timeout <= 0 disables the policy.
func (c *Conn) SetIdleTimeout(clk clock.Clock, timeout time.Duration, onIdle func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.idleTimeout = timeout
	if timeout > 0 {
		c.idleTimer = clk.AfterFunc(timeout, onIdle)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	timer, timeout := c.idleTimer, c.idleTimeout
	c.mu.Unlock()
	if timer != nil {
		timer.Reset(timeout)
	}
}
