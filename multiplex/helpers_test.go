// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/lib/secret"
	"github.com/bureau-foundation/xmppd/lib/testutil"
	"github.com/bureau-foundation/xmppd/xmpp"
)

const (
	waitTimeout   = 10 * time.Second
	managerSecret = "cm-secret"
	managerDomain = "cm.example.com"
)

func testSecret(t *testing.T) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(managerSecret))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

// newTestManager builds a manager for example.com. configure may
// adjust the options first.
func newTestManager(t *testing.T, configure func(*Options)) *Manager {
	t.Helper()
	options := Options{
		Domain: "example.com",
		Secret: testSecret(t),
	}
	if configure != nil {
		configure(&options)
	}
	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

type created struct {
	session *Session
	err     error
}

// managerPeer plays the connection manager end of a session.
type managerPeer struct {
	conn     net.Conn
	stream   *xmpp.Stream
	header   *xmpp.Header
	features *xmpp.Element
	created  chan created
}

// openPeer connects a connection manager asking for domain and reads
// the server's header. CreateSession's outcome arrives on created;
// features is read only when the header came back with an id.
func openPeer(t *testing.T, manager *Manager, domain string) *managerPeer {
	t.Helper()
	return openPeerWith(t, manager, xmpp.Header{
		Namespace: xmpp.NSConnectionManager,
		To:        domain,
		Version:   "1.0",
	})
}

func openPeerWith(t *testing.T, manager *Manager, header xmpp.Header) *managerPeer {
	t.Helper()
	client, server := testutil.ConnPair(t)
	peer := &managerPeer{
		conn:    client,
		stream:  xmpp.NewStream(client, nil),
		created: make(chan created, 1),
	}
	t.Cleanup(func() { peer.stream.Close() })

	go func() {
		session, err := manager.CreateSession(context.Background(), server)
		peer.created <- created{session, err}
	}()

	if err := peer.stream.WriteHeader(header); err != nil {
		t.Fatalf("writing manager header: %v", err)
	}
	reply, err := peer.stream.ReadHeaderTimeout(waitTimeout)
	if err != nil {
		t.Fatalf("reading server header: %v", err)
	}
	peer.header = reply
	return peer
}

// session waits for CreateSession to succeed and starts serving it.
func (p *managerPeer) session(t *testing.T) *Session {
	t.Helper()
	result := testutil.RequireReceive(t, p.created, waitTimeout, "waiting for CreateSession")
	if result.err != nil {
		t.Fatalf("CreateSession: %v", result.err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		result.session.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return result.session
}

// refused waits for CreateSession to fail.
func (p *managerPeer) refused(t *testing.T) error {
	t.Helper()
	result := testutil.RequireReceive(t, p.created, waitTimeout, "waiting for CreateSession")
	if result.err == nil {
		t.Fatal("CreateSession succeeded, want refusal")
	}
	return result.err
}

func (p *managerPeer) readFeatures(t *testing.T) {
	t.Helper()
	features := p.read(t)
	if !features.Is(xmpp.NSStream, "features") {
		t.Fatalf("first element = %s, want stream features", features)
	}
	p.features = features
}

func (p *managerPeer) read(t *testing.T) *xmpp.Element {
	t.Helper()
	element, err := p.stream.ReadElementTimeout(waitTimeout)
	if err != nil {
		t.Fatalf("reading from server: %v", err)
	}
	return element
}

// expectStreamError reads until the stream error the server closes
// with and checks its condition.
func (p *managerPeer) expectStreamError(t *testing.T, want xmpp.Condition) {
	t.Helper()
	_, err := p.stream.ReadElementTimeout(waitTimeout)
	condition, ok := xmpp.StreamErrorCondition(err)
	if !ok {
		t.Fatalf("read error = %v, want stream error %s", err, want)
	}
	if condition != want {
		t.Fatalf("stream error = %s, want %s", condition, want)
	}
}

func (p *managerPeer) write(t *testing.T, element *xmpp.Element) {
	t.Helper()
	if err := p.stream.WriteElement(element); err != nil {
		t.Fatalf("writing %s: %v", element.Name, err)
	}
}

// handshake authenticates with the shared secret and consumes the
// acknowledgement, returning the client options IQ that follows it.
func (p *managerPeer) handshake(t *testing.T) *xmpp.Element {
	t.Helper()
	p.write(t, handshakeElement(digestFor(p)))
	ack := p.read(t)
	if !ack.Is(xmpp.NSConnectionManager, "handshake") {
		t.Fatalf("handshake reply = %s, want <handshake/>", ack)
	}
	options := p.read(t)
	if options.Child(xmpp.NSMultiplex, "configuration") == nil {
		t.Fatalf("element after handshake = %s, want client options", options)
	}
	return options
}

// control sends a session control IQ and returns the reply.
func (p *managerPeer) control(t *testing.T, id, clientStreamID string, action *xmpp.Element) *xmpp.Element {
	t.Helper()
	session := xmpp.NewElement(xmpp.NSMultiplex, "session")
	if clientStreamID != "" {
		session.SetAttr("id", clientStreamID)
	}
	if action != nil {
		session.AddChild(action)
	}
	p.write(t, xmpp.NewElement(xmpp.NSConnectionManager, "iq", "type", "set", "id", id).AddChild(session))
	reply := p.read(t)
	if !reply.Is(xmpp.NSConnectionManager, "iq") || reply.Attr("id") != id {
		t.Fatalf("control reply = %s, want iq %s", reply, id)
	}
	return reply
}

// route sends stanza for the client clientStreamID.
func (p *managerPeer) route(t *testing.T, clientStreamID string, stanza *xmpp.Element) {
	t.Helper()
	route := xmpp.NewElement(xmpp.NSConnectionManager, "route", "to", "example.com")
	if clientStreamID != "" {
		route.SetAttr("streamid", clientStreamID)
	}
	p.write(t, route.AddChild(stanza))
}

// readRouted reads a <route/> and returns the stanza inside it.
func (p *managerPeer) readRouted(t *testing.T) *xmpp.Element {
	t.Helper()
	route := p.read(t)
	if !route.Is(xmpp.NSConnectionManager, "route") || len(route.Children) != 1 {
		t.Fatalf("element = %s, want a route with one child", route)
	}
	return route.Children[0]
}

func digestFor(peer *managerPeer) string {
	return digest.SHA1(peer.header.ID, managerSecret)
}

func handshakeElement(value string) *xmpp.Element {
	return xmpp.NewElement(xmpp.NSConnectionManager, "handshake").SetText(value)
}

func create() *xmpp.Element { return xmpp.NewElement(xmpp.NSMultiplex, "create") }

// stanzaCondition returns the condition element of a stanza error
// reply, or "" when there is none.
func stanzaCondition(reply *xmpp.Element) string {
	if reply.Attr("type") != "error" {
		return ""
	}
	for _, child := range reply.Children {
		if child.Name != "error" {
			continue
		}
		for _, condition := range child.Children {
			if condition.Space == xmpp.NSStanzaErrors && condition.Name != "text" {
				return condition.Name
			}
		}
	}
	return ""
}

// appCondition returns the multiplexer-specific condition of a stanza
// error reply, or "".
func appCondition(reply *xmpp.Element) string {
	for _, child := range reply.Children {
		if child.Name != "error" {
			continue
		}
		for _, condition := range child.Children {
			if condition.Space == xmpp.NSMultiplexErrors {
				return condition.Name
			}
		}
	}
	return ""
}

// channelDeliverer hands routed stanzas to a channel.
type channelDeliverer chan *xmpp.Element

func (c channelDeliverer) Deliver(_ context.Context, stanza *xmpp.Element) error {
	c <- stanza
	return nil
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com"},
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
