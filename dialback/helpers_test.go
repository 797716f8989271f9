// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/testutil"
	"github.com/bureau-foundation/xmppd/routing"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

const waitTimeout = 10 * time.Second

// countingDialer records every dial before delegating to TCP.
type countingDialer struct {
	attempts atomic.Int32
	tcp      transport.TCPDialer
}

func (d *countingDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	d.attempts.Add(1)
	return d.tcp.DialContext(ctx, address)
}

// silentAddress stands for a resolved candidate that never answers.
const silentAddress = "192.0.2.1:5269"

// silentDialer never completes a connection to the addresses in silent,
// like a host that drops SYNs. Other addresses are dialed over TCP.
type silentDialer struct {
	countingDialer
	silent map[string]bool
}

func (d *silentDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	if d.silent[address] {
		d.attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.countingDialer.DialContext(ctx, address)
}

// serveTCP runs handler on a loopback listener for the rest of the
// test and returns its address.
func serveTCP(t *testing.T, handler transport.ConnHandler) string {
	t.Helper()
	listener, err := transport.NewTCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Serve(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return listener.Address()
}

// fakeAuthority is a scripted authoritative server. It answers the
// first <db:verify/> with reply(verify), or holds the connection open
// without answering when reply returns nil.
type fakeAuthority struct {
	address  string
	requests chan *xmpp.Element
}

func startFakeAuthority(t *testing.T, reply func(verify *xmpp.Element) *xmpp.Element) *fakeAuthority {
	t.Helper()
	authority := &fakeAuthority{requests: make(chan *xmpp.Element, 4)}
	authority.address = serveTCP(t, transport.ConnHandlerFunc(func(ctx context.Context, conn net.Conn) {
		stream := xmpp.NewStream(conn, nil)
		defer stream.Close()
		header, err := stream.ReadHeader()
		if err != nil {
			return
		}
		stream.WriteHeader(serverHeader(header.To, header.From, xmpp.NewStreamID()))
		verify, err := stream.ReadElement()
		if err != nil {
			return
		}
		authority.requests <- verify
		answer := reply(verify)
		if answer == nil {
			<-ctx.Done()
			return
		}
		stream.WriteElement(answer)
		stream.ReadElement()
	}))
	return authority
}

// answerWith replies from the verified domain with the given verdict.
func answerWith(valid bool) func(*xmpp.Element) *xmpp.Element {
	return func(verify *xmpp.Element) *xmpp.Element {
		return verifyReply(verify.Attr("to"), verify.Attr("from"), verify.Attr("id"), valid)
	}
}

// inboundPair returns an unvalidated inbound session whose stream
// header has been exchanged, and the originating peer's end of it.
func inboundPair(t *testing.T, server *Server) (*IncomingSession, *xmpp.Stream) {
	t.Helper()
	client, serverConn := testutil.ConnPair(t)

	conn := transport.NewConn(serverConn)
	stream := xmpp.NewStream(conn, nil)
	streamID := testutil.UniqueID("stream")
	session := newIncomingSession(server, stream, conn, streamID, testLogger())
	t.Cleanup(func() { session.Close() })

	peer := xmpp.NewStream(client, nil)
	if err := peer.WriteHeader(serverHeader("remote.example", "example.com", "")); err != nil {
		t.Fatalf("writing peer header: %v", err)
	}
	if _, err := stream.ReadHeader(); err != nil {
		t.Fatalf("reading peer header: %v", err)
	}
	if err := stream.WriteHeader(serverHeader("example.com", "remote.example", streamID)); err != nil {
		t.Fatalf("writing reply header: %v", err)
	}
	if _, err := peer.ReadHeader(); err != nil {
		t.Fatalf("reading reply header: %v", err)
	}
	return session, peer
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestTable(domains ...string) *routing.Table {
	return routing.NewTable(domains, nil)
}

// channelDeliverer hands routed stanzas to a channel.
type channelDeliverer chan *xmpp.Element

func (c channelDeliverer) Deliver(_ context.Context, stanza *xmpp.Element) error {
	c <- stanza
	return nil
}

// testServer is one federation endpoint on loopback.
type testServer struct {
	address  string
	table    *routing.Table
	registry *Registry
	server   *Server
}

// network is a set of test servers that resolve each other's domains.
type network struct {
	mu       sync.Mutex
	resolver transport.StaticResolver
}

func newNetwork() *network {
	return &network{resolver: transport.StaticResolver{}}
}

func (n *network) Resolve(ctx context.Context, domain string, port int) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resolver.Resolve(ctx, domain, port)
}

func (n *network) add(domain, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolver[domain] = []string{address}
}

func (n *network) startServer(t *testing.T, secret string, tlsConfig *tls.Config, domains ...string) *testServer {
	t.Helper()
	table := newTestTable(domains...)
	registry := NewRegistry()
	server, err := NewServer(ServerOptions{
		Options: Options{
			Secrets:  StaticSecret(secret),
			Resolver: n,
			Domains:  table,
			Sessions: registry,
			Logger:   testLogger(),
		},
		TLSConfig: tlsConfig,
		Router:    routing.DelivererFunc(table.Route),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	address := serveTCP(t, server)
	for _, domain := range domains {
		n.add(domain, address)
	}
	return &testServer{address: address, table: table, registry: registry, server: server}
}

func newFakeClock() *clock.FakeClock {
	return clock.Fake(time.Unix(1_700_000_000, 0))
}

// testTLSConfig returns a server configuration with a fresh self-signed
// certificate.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "remote.example"},
		DNSNames:     []string{"remote.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}
