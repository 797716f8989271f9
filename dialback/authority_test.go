// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/lib/testutil"
	"github.com/bureau-foundation/xmppd/transport"
	"github.com/bureau-foundation/xmppd/xmpp"
)

func newTestAuthority(t *testing.T, secret string) *Authority {
	t.Helper()
	authority, err := NewAuthority(Options{
		Secrets: StaticSecret(secret),
		Domains: newTestTable("example.com"),
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	return authority
}

// authorityPair returns the authority's stream and the receiving
// server's end, headers exchanged.
func authorityPair(t *testing.T) (*xmpp.Stream, *xmpp.Stream) {
	t.Helper()
	client, server := testutil.ConnPair(t)
	stream := xmpp.NewStream(transport.NewConn(server), nil)
	peer := xmpp.NewStream(client, nil)
	if err := stream.WriteHeader(serverHeader("example.com", "recv.example", "s1")); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := peer.ReadHeader(); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	return stream, peer
}

func TestVerifyReceivedKeyRoundTrip(t *testing.T) {
	// The key the originating role would offer for this stream.
	key := digest.Keyed("abc123", "s3cr3t")

	tests := []struct {
		name  string
		id    string
		key   string
		valid bool
	}{
		{"matching key", "abc123", key, true},
		{"other stream id", "abc124", key, false},
		{"key from another secret", "abc123", digest.Keyed("abc123", "s3cr3u"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			authority := newTestAuthority(t, "s3cr3t")
			stream, peer := authorityPair(t)

			valid, err := authority.VerifyReceivedKey(context.Background(), stream,
				verifyRequest("recv.example", "example.com", test.id, test.key))
			if err != nil {
				t.Fatalf("VerifyReceivedKey: %v", err)
			}
			if valid != test.valid {
				t.Errorf("valid = %v, want %v", valid, test.valid)
			}
			if !stream.Closed() {
				t.Error("authoritative connection left open")
			}

			reply, err := peer.ReadElement()
			if err != nil {
				t.Fatalf("reading reply: %v", err)
			}
			if !reply.Is(xmpp.NSDialback, "verify") {
				t.Fatalf("reply = %s", reply)
			}
			if reply.Attr("id") != test.id || reply.Attr("from") != "example.com" || reply.Attr("to") != "recv.example" {
				t.Errorf("reply addressing = %s", reply)
			}
			if got := reply.Attr("type") == "valid"; got != test.valid {
				t.Errorf("reply type = %q", reply.Attr("type"))
			}
			if _, err := peer.ReadElement(); !errors.Is(err, xmpp.ErrStreamClosed) {
				t.Errorf("after reply: %v, want stream closed", err)
			}
		})
	}
}

func TestVerifyReceivedKeyUnknownDomain(t *testing.T) {
	authority := newTestAuthority(t, "s3cr3t")
	stream, peer := authorityPair(t)

	_, err := authority.VerifyReceivedKey(context.Background(), stream,
		verifyRequest("recv.example", "stranger.example", "abc123", "00"))
	if Condition(err) != xmpp.HostUnknown {
		t.Fatalf("error = %v, want host-unknown", err)
	}
	_, err = peer.ReadElement()
	if condition, _ := xmpp.StreamErrorCondition(err); condition != xmpp.HostUnknown {
		t.Errorf("peer saw %v, want host-unknown", err)
	}
}

type failingSecrets struct{}

func (failingSecrets) GetOrCreate(context.Context) (string, error) {
	return "", errors.New("cache unavailable")
}

func TestVerifyReceivedKeyWithoutSecret(t *testing.T) {
	authority, err := NewAuthority(Options{Secrets: failingSecrets{}, Domains: newTestTable("example.com")})
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	stream, peer := authorityPair(t)

	_, err = authority.VerifyReceivedKey(context.Background(), stream,
		verifyRequest("recv.example", "example.com", "abc123", "00"))
	if Condition(err) != xmpp.InternalServerError {
		t.Fatalf("error = %v, want internal-server-error", err)
	}
	_, err = peer.ReadElement()
	if condition, _ := xmpp.StreamErrorCondition(err); condition != xmpp.InternalServerError {
		t.Errorf("peer saw %v, want internal-server-error", err)
	}
}

func TestRoleConstructorsRequireCollaborators(t *testing.T) {
	if _, err := NewOriginator(Options{}); !errors.Is(err, errNoSecrets) {
		t.Errorf("NewOriginator without secrets: %v", err)
	}
	if _, err := NewReceiver(Options{}); !errors.Is(err, errNoDomains) {
		t.Errorf("NewReceiver without domains: %v", err)
	}
	if _, err := NewAuthority(Options{Domains: newTestTable()}); !errors.Is(err, errNoSecrets) {
		t.Errorf("NewAuthority without secrets: %v", err)
	}
}
