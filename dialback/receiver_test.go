// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/xmppd/lib/config"
	"github.com/bureau-foundation/xmppd/lib/testutil"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

type receiverFixture struct {
	receiver   *Receiver
	dialer     *countingDialer
	registry   *Registry
	properties *config.Properties
}

func newReceiverFixture(t *testing.T, authorityAddress string, mutate func(*Options)) *receiverFixture {
	t.Helper()
	fixture := &receiverFixture{
		dialer:     &countingDialer{},
		registry:   NewRegistry(),
		properties: config.NewProperties(nil),
	}
	options := Options{
		Properties: fixture.properties,
		Resolver:   transport.StaticResolver{"remote.example": {authorityAddress}},
		Dialer:     fixture.dialer,
		Domains:    newTestTable("example.com"),
		Sessions:   fixture.registry,
		Logger:     testLogger(),
	}
	if mutate != nil {
		mutate(&options)
	}
	receiver, err := NewReceiver(options)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	fixture.receiver = receiver
	return fixture
}

func offer() *xmpp.Element {
	return resultRequest("remote.example", "example.com", "f00d")
}

func TestValidateRemoteDomainValid(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(true))
	fixture := newReceiverFixture(t, authority.address, nil)
	session, peer := inboundPair(t, nil)

	valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if err != nil {
		t.Fatalf("ValidateRemoteDomain: %v", err)
	}
	if !valid {
		t.Fatal("ValidateRemoteDomain = false, want true")
	}
	if session.Closed() {
		t.Error("inbound session closed after a valid verdict")
	}
	if !session.IsValidated("remote.example", "example.com") {
		t.Error("pair not recorded on the session")
	}
	if domains := session.RemoteDomains(); len(domains) != 1 || domains[0] != "remote.example" {
		t.Errorf("RemoteDomains() = %v, want [remote.example]", domains)
	}
	if fixture.registry.Count("remote.example", "example.com") == 0 {
		t.Error("session not registered")
	}

	verify := testutil.RequireReceive(t, authority.requests, waitTimeout, "waiting for verify request")
	if verify.Attr("id") != session.StreamID() {
		t.Errorf("verify id = %q, want inbound stream id %q", verify.Attr("id"), session.StreamID())
	}
	if keyOf(verify) != "f00d" || verify.Attr("from") != "example.com" || verify.Attr("to") != "remote.example" {
		t.Errorf("verify request = %s", verify)
	}

	reply, err := peer.ReadElement()
	if err != nil {
		t.Fatalf("reading verdict: %v", err)
	}
	if !reply.Is(xmpp.NSDialback, "result") || reply.Attr("type") != "valid" {
		t.Errorf("verdict = %s, want valid db:result", reply)
	}
	if reply.Attr("from") != "example.com" || reply.Attr("to") != "remote.example" {
		t.Errorf("verdict addressing = %s", reply)
	}
}

func TestValidateRemoteDomainInvalid(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(false))
	fixture := newReceiverFixture(t, authority.address, nil)
	session, peer := inboundPair(t, nil)

	valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if err != nil {
		t.Fatalf("ValidateRemoteDomain: %v", err)
	}
	if valid {
		t.Fatal("ValidateRemoteDomain = true, want false")
	}
	if !session.Closed() {
		t.Error("inbound session still open after an invalid verdict")
	}
	if fixture.registry.Count("remote.example", "example.com") > 0 {
		t.Error("rejected session was registered")
	}

	reply, err := peer.ReadElement()
	if err != nil {
		t.Fatalf("reading verdict: %v", err)
	}
	if reply.Attr("type") != "invalid" {
		t.Errorf("verdict = %s, want invalid", reply)
	}
	if _, err := peer.ReadElement(); !errors.Is(err, xmpp.ErrStreamClosed) {
		t.Errorf("after verdict: %v, want stream closed", err)
	}
}

// Every defect in the authoritative reply reaches the originating
// server as remote-connection-failed.
func TestValidateRemoteDomainAuthorityMismatch(t *testing.T) {
	tests := []struct {
		name  string
		reply func(verify *xmpp.Element) *xmpp.Element
		cause xmpp.Condition
	}{
		{
			name: "to not local",
			reply: func(verify *xmpp.Element) *xmpp.Element {
				return verifyReply("remote.example", "stranger.example", verify.Attr("id"), true)
			},
			cause: xmpp.HostUnknown,
		},
		{
			name: "wrong id",
			reply: func(verify *xmpp.Element) *xmpp.Element {
				return verifyReply("remote.example", "example.com", "another-stream", true)
			},
			cause: xmpp.InvalidID,
		},
		{
			name: "wrong from",
			reply: func(verify *xmpp.Element) *xmpp.Element {
				return verifyReply("impostor.example", "example.com", verify.Attr("id"), true)
			},
			cause: xmpp.InvalidFrom,
		},
		{
			name: "stream error",
			reply: func(verify *xmpp.Element) *xmpp.Element {
				return xmpp.NewStreamError(xmpp.NotAuthorized, "").Element()
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			authority := startFakeAuthority(t, test.reply)
			fixture := newReceiverFixture(t, authority.address, nil)
			session, peer := inboundPair(t, nil)

			valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
			if valid {
				t.Fatal("ValidateRemoteDomain = true for a defective reply")
			}
			if Condition(err) != xmpp.RemoteConnectionFailed {
				t.Fatalf("error = %v, want remote-connection-failed", err)
			}
			if test.cause != "" {
				var cause *Error
				if !errors.As(errors.Unwrap(err), &cause) || cause.Condition != test.cause {
					t.Errorf("internal cause = %v, want %s", errors.Unwrap(err), test.cause)
				}
			}
			if !session.Closed() {
				t.Error("inbound session still open")
			}

			_, err = peer.ReadElement()
			if condition, ok := xmpp.StreamErrorCondition(err); !ok || condition != xmpp.RemoteConnectionFailed {
				t.Errorf("peer saw %v, want remote-connection-failed stream error", err)
			}
		})
	}
}

func TestValidateRemoteDomainUnreachableAuthority(t *testing.T) {
	fixture := newReceiverFixture(t, "127.0.0.1:1", func(options *Options) {
		options.Resolver = transport.StaticResolver{}
	})
	session, peer := inboundPair(t, nil)

	_, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if Condition(err) != xmpp.RemoteConnectionFailed {
		t.Fatalf("error = %v, want remote-connection-failed", err)
	}
	if !errors.Is(err, transport.ErrNoCandidates) {
		t.Errorf("cause = %v, want ErrNoCandidates", err)
	}
	_, err = peer.ReadElement()
	if condition, _ := xmpp.StreamErrorCondition(err); condition != xmpp.RemoteConnectionFailed {
		t.Errorf("peer saw %v, want remote-connection-failed", err)
	}
}

func TestValidateRemoteDomainSkipsSilentAuthority(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(true))
	dialer := &silentDialer{silent: map[string]bool{silentAddress: true}}
	fixture := newReceiverFixture(t, authority.address, func(options *Options) {
		options.Resolver = transport.StaticResolver{"remote.example": {silentAddress, authority.address}}
		options.Dialer = dialer
	})
	fixture.properties.Set(config.KeySocketTimeout, "200ms")
	session, _ := inboundPair(t, nil)

	valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if err != nil || !valid {
		t.Fatalf("ValidateRemoteDomain = %v, %v; want valid through the second candidate", valid, err)
	}
	if attempts := dialer.attempts.Load(); attempts != 2 {
		t.Errorf("dial attempts = %d, want 2", attempts)
	}
}

func TestValidateRemoteDomainAuthorizationShortCircuit(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		result *xmpp.Element
	}{
		{
			name: "denied remote domain",
			mutate: func(options *Options) {
				options.Access = NewDomainPolicy(nil, []string{"remote.example"})
			},
			result: offer(),
		},
		{
			name:   "recipient not served",
			result: resultRequest("remote.example", "elsewhere.example", "f00d"),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			authority := startFakeAuthority(t, answerWith(true))
			fixture := newReceiverFixture(t, authority.address, test.mutate)
			session, peer := inboundPair(t, nil)

			valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, test.result)
			if valid || Condition(err) != xmpp.HostUnknown {
				t.Fatalf("ValidateRemoteDomain = %v, %v; want host-unknown", valid, err)
			}
			if attempts := fixture.dialer.attempts.Load(); attempts != 0 {
				t.Errorf("%d connection attempts to the authoritative server, want 0", attempts)
			}
			_, err = peer.ReadElement()
			if condition, _ := xmpp.StreamErrorCondition(err); condition != xmpp.HostUnknown {
				t.Errorf("peer saw %v, want host-unknown", err)
			}
		})
	}
}

func TestValidateRemoteDomainDuplicateSession(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(true))
	fixture := newReceiverFixture(t, authority.address, nil)

	existing, _ := inboundPair(t, nil)
	existing.addValidated("remote.example", "example.com")
	fixture.registry.Register(existing, "remote.example", "example.com")

	session, peer := inboundPair(t, nil)
	valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if valid || Condition(err) != xmpp.NotAuthorized {
		t.Fatalf("ValidateRemoteDomain = %v, %v; want not-authorized", valid, err)
	}
	if attempts := fixture.dialer.attempts.Load(); attempts != 0 {
		t.Errorf("%d connection attempts, want 0", attempts)
	}
	if existing.Closed() {
		t.Error("existing session was closed")
	}
	if count := fixture.registry.Count("remote.example", "example.com"); count != 1 {
		t.Errorf("registered sessions = %d, want 1", count)
	}
	_, err = peer.ReadElement()
	if condition, _ := xmpp.StreamErrorCondition(err); condition != xmpp.NotAuthorized {
		t.Errorf("peer saw %v, want not-authorized", err)
	}
}

func TestValidateRemoteDomainConcurrentClaim(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(true))
	fixture := newReceiverFixture(t, authority.address, nil)

	release, ok := fixture.registry.Reserve("remote.example", "example.com")
	if !ok {
		t.Fatal("Reserve failed on an empty registry")
	}
	session, _ := inboundPair(t, nil)
	_, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if Condition(err) != xmpp.NotAuthorized {
		t.Fatalf("error = %v, want not-authorized while another validation holds the pair", err)
	}

	release()
	session, _ = inboundPair(t, nil)
	valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if err != nil || !valid {
		t.Fatalf("after release: %v, %v; want valid", valid, err)
	}
}

func TestValidateRemoteDomainAllowMultipleConnections(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(true))
	fixture := newReceiverFixture(t, authority.address, nil)
	fixture.properties.Set(config.KeyAllowMultipleConnections, "true")

	for range 2 {
		session, _ := inboundPair(t, nil)
		valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
		if err != nil || !valid {
			t.Fatalf("ValidateRemoteDomain = %v, %v; want valid", valid, err)
		}
	}
	if count := fixture.registry.Count("remote.example", "example.com"); count != 2 {
		t.Errorf("registered sessions = %d, want 2", count)
	}
}

func TestValidateRemoteDomainDisabled(t *testing.T) {
	authority := startFakeAuthority(t, answerWith(true))
	fixture := newReceiverFixture(t, authority.address, nil)
	fixture.properties.Set(config.KeyDialbackEnabled, "false")

	session, _ := inboundPair(t, nil)
	_, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
	if !errors.Is(err, ErrDisabled) || Condition(err) != xmpp.NotAuthorized {
		t.Fatalf("error = %v, want not-authorized wrapping ErrDisabled", err)
	}
	if attempts := fixture.dialer.attempts.Load(); attempts != 0 {
		t.Errorf("%d connection attempts, want 0", attempts)
	}
}

func TestValidateRemoteDomainTimeoutFailsClosed(t *testing.T) {
	authority := startFakeAuthority(t, func(*xmpp.Element) *xmpp.Element { return nil })
	fake := newFakeClock()
	fixture := newReceiverFixture(t, authority.address, func(options *Options) {
		options.Clock = fake
	})
	session, peer := inboundPair(t, nil)

	type outcome struct {
		valid bool
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		valid, err := fixture.receiver.ValidateRemoteDomain(context.Background(), session, offer())
		done <- outcome{valid, err}
	}()

	testutil.RequireReceive(t, authority.requests, waitTimeout, "waiting for verify request")
	fake.WaitForTimers(1)
	fake.Advance(config.DefaultDialbackTimeout)

	result := testutil.RequireReceive(t, done, waitTimeout, "waiting for ValidateRemoteDomain")
	if result.valid {
		t.Fatal("timed-out validation reported valid")
	}
	if Condition(result.err) != xmpp.RemoteConnectionFailed || !errors.Is(result.err, xmpp.ErrTimeout) {
		t.Fatalf("error = %v, want remote-connection-failed caused by timeout", result.err)
	}
	if !session.Closed() {
		t.Error("inbound session still open after timeout")
	}
	_, err := peer.ReadElement()
	if condition, _ := xmpp.StreamErrorCondition(err); condition != xmpp.RemoteConnectionFailed {
		t.Errorf("peer saw %v, want remote-connection-failed", err)
	}
}
