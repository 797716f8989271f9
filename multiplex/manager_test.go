// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/xmppd/lib/clock"
	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/testutil"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

func TestHandshakeAuthenticates(t *testing.T) {
	manager := newTestManager(t, nil)
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	if peer.header.ID == "" {
		t.Fatal("server header has no stream id")
	}
	session := peer.session(t)
	if session.State() != StateAuthenticating {
		t.Fatalf("state before handshake = %s, want authenticating", session.State())
	}

	options := peer.handshake(t)
	if options.Attr("type") != "set" || options.Attr("to") != managerDomain {
		t.Errorf("client options iq = %s", options)
	}
	if session.State() != StateAuthenticated {
		t.Fatalf("state after handshake = %s, want authenticated", session.State())
	}
	if manager.SessionFor(managerDomain) != session {
		t.Fatal("SessionFor does not return the authenticated session")
	}

	// The next element must answer this request, not repeat the
	// options.
	reply := peer.control(t, "probe", "client-1", create())
	if reply.Attr("type") != "result" {
		t.Fatalf("create reply = %s, want result", reply)
	}
}

func TestClientOptionsAdvertiseConfiguredFeatures(t *testing.T) {
	manager := newTestManager(t, func(options *Options) {
		options.Authenticator = fakeAuthenticator{}
	})
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	peer.session(t)

	configuration := peer.handshake(t).Child(xmpp.NSMultiplex, "configuration")
	if configuration.Child(xmpp.NSSASL, "mechanisms") == nil {
		t.Error("client options do not offer SASL")
	}
	if configuration.Child(xmpp.NSIQAuth, "auth") == nil {
		t.Error("client options do not offer legacy auth")
	}
	if configuration.Child(xmpp.NSCompressFeature, "compression") == nil {
		t.Error("client options do not offer compression under the default policy")
	}
	if configuration.Child(xmpp.NSTLS, "starttls") != nil {
		t.Error("client options offer TLS without a certificate")
	}
	if configuration.Child(xmpp.NSIQRegister, "register") != nil {
		t.Error("client options offer in-band registration")
	}
}

func TestWrongHandshakeClosesSession(t *testing.T) {
	manager := newTestManager(t, nil)
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	session := peer.session(t)

	peer.write(t, handshakeElement("not-the-digest"))
	peer.expectStreamError(t, xmpp.NotAuthorized)

	testutil.RequireClosed(t, session.Done(), waitTimeout, "session not closed after wrong handshake")
	if session.State() != StateClosed {
		t.Fatalf("state = %s, want closed", session.State())
	}
	if manager.SessionFor(managerDomain) != nil {
		t.Fatal("domain still claimed after failed handshake")
	}

	// The domain is free again.
	retry := openPeer(t, manager, managerDomain)
	retry.readFeatures(t)
	retry.session(t)
	retry.handshake(t)
}

func TestAuthenticateRejectsWrongState(t *testing.T) {
	manager := newTestManager(t, nil)
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	result := testutil.RequireReceive(t, peer.created, waitTimeout)
	if result.err != nil {
		t.Fatalf("CreateSession: %v", result.err)
	}
	session := result.session
	t.Cleanup(session.Close)

	if err := session.Authenticate(digestFor(peer)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := session.Authenticate(digestFor(peer)); err == nil {
		t.Fatal("second Authenticate succeeded")
	}
}

func TestDomainExclusivity(t *testing.T) {
	manager := newTestManager(t, nil)
	first := openPeer(t, manager, managerDomain)
	first.readFeatures(t)
	session := first.session(t)
	first.handshake(t)

	second := openPeer(t, manager, managerDomain)
	second.expectStreamError(t, xmpp.Conflict)
	second.refused(t)

	if session.State() != StateAuthenticated {
		t.Fatalf("first session state = %s, want authenticated", session.State())
	}
	if reply := first.control(t, "still-alive", "client-1", create()); reply.Attr("type") != "result" {
		t.Fatalf("first session no longer answers: %s", reply)
	}

	other := openPeer(t, manager, "cm2.example.com")
	other.readFeatures(t)
	other.session(t)
	other.handshake(t)
}

func TestCreateSessionRefusals(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Options)
		header    xmpp.Header
		want      xmpp.Condition
	}{
		{
			name:   "missing to",
			header: xmpp.Header{Namespace: xmpp.NSConnectionManager, Version: "1.0"},
			want:   xmpp.BadFormat,
		},
		{
			name:   "wrong namespace",
			header: xmpp.Header{Namespace: xmpp.NSClient, To: managerDomain, Version: "1.0"},
			want:   xmpp.InvalidNamespace,
		},
		{
			name:      "no secret",
			configure: func(options *Options) { options.Secret = nil },
			header:    xmpp.Header{Namespace: xmpp.NSConnectionManager, To: managerDomain, Version: "1.0"},
			want:      xmpp.InternalServerError,
		},
		{
			name: "TLS required without certificate",
			configure: func(options *Options) {
				options.Properties = config.NewProperties(map[string]string{
					config.KeyMultiplexTLSPolicy: string(config.PolicyRequired),
				})
			},
			header: xmpp.Header{Namespace: xmpp.NSConnectionManager, To: managerDomain, Version: "1.0"},
			want:   xmpp.InternalServerError,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			manager := newTestManager(t, test.configure)
			peer := openPeerWith(t, manager, test.header)
			peer.expectStreamError(t, test.want)
			peer.refused(t)
			if manager.SessionFor(managerDomain) != nil {
				t.Fatal("refused stream claimed the domain")
			}
		})
	}
}

func TestNewManagerRequiresDomain(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatal("NewManager without a domain succeeded")
	}
}

func TestIdleManagerIsClosed(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	manager := newTestManager(t, func(options *Options) {
		options.Clock = fake
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexIdleTimeout: "30s",
		})
	})
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	session := peer.session(t)

	fake.WaitForTimers(1)
	fake.Advance(20 * time.Second)
	peer.handshake(t)

	// Inbound bytes at the 20s mark moved the deadline to 50s. The
	// server's own writes did not.
	fake.Advance(20 * time.Second)
	if session.State() != StateAuthenticated {
		t.Fatalf("state at 40s = %s, want authenticated", session.State())
	}

	fake.Advance(11 * time.Second)
	peer.expectStreamError(t, xmpp.ConnectionTimeout)
	testutil.RequireClosed(t, session.Done(), waitTimeout, "idle session not closed")
	if manager.SessionFor(managerDomain) != nil {
		t.Fatal("idle session still holds its domain")
	}
}

func TestIdleTimeoutDefault(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	manager := newTestManager(t, func(options *Options) {
		options.Clock = fake
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexIdleTimeout: "0s",
		})
	})
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	session := peer.session(t)
	peer.handshake(t)

	fake.WaitForTimers(1)
	fake.Advance(config.DefaultIdleTimeout - time.Second)
	if session.State() != StateAuthenticated {
		t.Fatalf("state before the default timeout = %s, want authenticated", session.State())
	}
	fake.Advance(2 * time.Second)
	peer.expectStreamError(t, xmpp.ConnectionTimeout)
	testutil.RequireClosed(t, session.Done(), waitTimeout)
}

func TestCompressionNegotiation(t *testing.T) {
	manager := newTestManager(t, func(options *Options) {
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexCompressionPolicy: string(config.PolicyRequired),
		})
	})
	client, server := testutil.ConnPair(t)
	conn := transport.NewConn(client)
	peer := &managerPeer{conn: conn, stream: xmpp.NewStream(conn, nil), created: make(chan created, 1)}
	t.Cleanup(func() { peer.stream.Close() })
	go func() {
		session, err := manager.CreateSession(context.Background(), server)
		peer.created <- created{session, err}
	}()

	header := xmpp.Header{Namespace: xmpp.NSConnectionManager, To: managerDomain, Version: "1.0"}
	if err := peer.stream.WriteHeader(header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	first, err := peer.stream.ReadHeaderTimeout(waitTimeout)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	peer.readFeatures(t)
	if peer.features.Child(xmpp.NSCompressFeature, "compression") == nil {
		t.Fatalf("features = %s, want compression", peer.features)
	}
	session := peer.session(t)

	peer.write(t, xmpp.NewElement(xmpp.NSCompress, "compress").
		AddChild(xmpp.NewElement(xmpp.NSCompress, "method").SetText("zlib")))
	if reply := peer.read(t); !reply.Is(xmpp.NSCompress, "compressed") {
		t.Fatalf("compress reply = %s, want <compressed/>", reply)
	}
	if err := conn.Compress(); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	peer.stream.Reset()
	if err := peer.stream.WriteHeader(header); err != nil {
		t.Fatalf("WriteHeader after compression: %v", err)
	}
	peer.header, err = peer.stream.ReadHeaderTimeout(waitTimeout)
	if err != nil {
		t.Fatalf("ReadHeader after compression: %v", err)
	}
	if peer.header.ID == first.ID {
		t.Fatal("restarted stream reused the stream id")
	}
	peer.readFeatures(t)
	if peer.features.Child(xmpp.NSCompressFeature, "compression") != nil {
		t.Fatal("compression offered again on a compressed stream")
	}

	peer.handshake(t)
	if session.State() != StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", session.State())
	}
}

func TestCompressionRequiredBeforeHandshake(t *testing.T) {
	manager := newTestManager(t, func(options *Options) {
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexCompressionPolicy: string(config.PolicyRequired),
		})
	})
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	session := peer.session(t)

	peer.write(t, handshakeElement(digestFor(peer)))
	peer.expectStreamError(t, xmpp.NotAuthorized)
	testutil.RequireClosed(t, session.Done(), waitTimeout)
}

func TestCompressionDisabled(t *testing.T) {
	manager := newTestManager(t, func(options *Options) {
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexCompressionPolicy: string(config.PolicyDisabled),
		})
	})
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	if peer.features.Child(xmpp.NSCompressFeature, "compression") != nil {
		t.Fatal("compression offered while disabled")
	}
	peer.session(t)

	peer.write(t, xmpp.NewElement(xmpp.NSCompress, "compress").
		AddChild(xmpp.NewElement(xmpp.NSCompress, "method").SetText("zlib")))
	if reply := peer.read(t); !reply.Is(xmpp.NSCompress, "failure") {
		t.Fatalf("compress reply = %s, want failure", reply)
	}
	peer.handshake(t)
}

func TestTLSRequired(t *testing.T) {
	manager := newTestManager(t, func(options *Options) {
		options.TLSConfig = testTLSConfig(t)
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexTLSPolicy: string(config.PolicyRequired),
		})
	})
	client, server := testutil.ConnPair(t)
	conn := transport.NewConn(client)
	peer := &managerPeer{conn: conn, stream: xmpp.NewStream(conn, nil), created: make(chan created, 1)}
	t.Cleanup(func() { peer.stream.Close() })
	go func() {
		session, err := manager.CreateSession(context.Background(), server)
		peer.created <- created{session, err}
	}()

	header := xmpp.Header{Namespace: xmpp.NSConnectionManager, To: managerDomain, Version: "1.0"}
	if err := peer.stream.WriteHeader(header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := peer.stream.ReadHeaderTimeout(waitTimeout); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	peer.readFeatures(t)
	starttls := peer.features.Child(xmpp.NSTLS, "starttls")
	if starttls == nil || starttls.Child(xmpp.NSTLS, "required") == nil {
		t.Fatalf("features = %s, want required starttls", peer.features)
	}
	if peer.features.Child(xmpp.NSCompressFeature, "compression") != nil {
		t.Fatal("compression offered before required TLS")
	}
	session := peer.session(t)

	peer.write(t, xmpp.NewElement(xmpp.NSTLS, "starttls"))
	if reply := peer.read(t); !reply.Is(xmpp.NSTLS, "proceed") {
		t.Fatalf("starttls reply = %s, want proceed", reply)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := conn.StartTLS(ctx, transport.ClientTLSConfig("example.com", true), false); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
	peer.stream.Reset()
	if err := peer.stream.WriteHeader(header); err != nil {
		t.Fatalf("WriteHeader after TLS: %v", err)
	}
	var err error
	if peer.header, err = peer.stream.ReadHeaderTimeout(waitTimeout); err != nil {
		t.Fatalf("ReadHeader after TLS: %v", err)
	}
	peer.readFeatures(t)
	if peer.features.Child(xmpp.NSTLS, "starttls") != nil {
		t.Fatal("starttls offered on a secure stream")
	}
	if peer.features.Child(xmpp.NSCompressFeature, "compression") == nil {
		t.Fatal("compression not offered once TLS is up")
	}

	peer.handshake(t)
	if session.State() != StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", session.State())
	}
}

func TestHandshakeBeforeRequiredTLS(t *testing.T) {
	manager := newTestManager(t, func(options *Options) {
		options.TLSConfig = testTLSConfig(t)
		options.Properties = config.NewProperties(map[string]string{
			config.KeyMultiplexTLSPolicy: string(config.PolicyRequired),
		})
	})
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	session := peer.session(t)

	peer.write(t, handshakeElement(digestFor(peer)))
	peer.expectStreamError(t, xmpp.NotAuthorized)
	testutil.RequireClosed(t, session.Done(), waitTimeout)
	if session.State() == StateAuthenticated {
		t.Fatal("session authenticated without TLS")
	}
}

func TestSendWithoutSession(t *testing.T) {
	manager := newTestManager(t, nil)
	err := manager.Send(managerDomain, xmpp.NewElement("", "message"))
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("Send error = %v, want ErrNoSession", err)
	}
}

func TestManagerCloseShutsDownSessions(t *testing.T) {
	manager := newTestManager(t, nil)
	peer := openPeer(t, manager, managerDomain)
	peer.readFeatures(t)
	session := peer.session(t)
	peer.handshake(t)

	manager.Close()
	peer.expectStreamError(t, xmpp.SystemShutdown)
	testutil.RequireClosed(t, session.Done(), waitTimeout)
}
