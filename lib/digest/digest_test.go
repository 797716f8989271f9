// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"strings"
	"testing"
)

// The key an originating server computes for stream "abc123" must be
// the same value the authoritative server recomputes later, and any
// change of input must change the key.
func TestKeyedRoundTrip(t *testing.T) {
	issued := Keyed("abc123", "s3cr3t")
	verified := Keyed("abc123", "s3cr3t")
	if issued != verified {
		t.Fatalf("Keyed is not deterministic: %q != %q", issued, verified)
	}
	if len(issued) != 64 {
		t.Errorf("len(Keyed) = %d, want 64 hex characters", len(issued))
	}
	if Keyed("abc124", "s3cr3t") == issued {
		t.Error("changing the stream id did not change the key")
	}
	if Keyed("abc123", "s3cr3T") == issued {
		t.Error("changing the secret did not change the key")
	}
}

// Moving bytes between id and secret must not produce a collision, as
// it would for a plain hash of the concatenation.
func TestKeyedSeparatesIDFromSecret(t *testing.T) {
	if Keyed("abc", "123s3cr3t") == Keyed("abc123", "s3cr3t") {
		t.Error("Keyed collides when bytes move from id to secret")
	}
}

func TestSHA1KnownValue(t *testing.T) {
	// sha1("abc") with an empty secret is the FIPS 180 test vector.
	const want = "a9993e364706816aba3e25717850c26c9cd0d89d"
	if got := SHA1("abc", ""); got != want {
		t.Errorf("SHA1(abc, \"\") = %s, want %s", got, want)
	}
	if got := SHA1("ab", "c"); got != want {
		t.Errorf("SHA1(ab, c) = %s, want %s", got, want)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		want    Func
		wantErr bool
	}{
		{name: "", want: Keyed},
		{name: "blake3", want: Keyed},
		{name: "sha1", want: SHA1},
		{name: "md5", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse(test.name)
			if test.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded", test.name)
				}
				if !strings.Contains(err.Error(), test.name) {
					t.Errorf("error %q does not name the algorithm", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", test.name, err)
			}
			if got("id", "secret") != test.want("id", "secret") {
				t.Errorf("Parse(%q) returned the wrong function", test.name)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	key := Keyed("abc123", "s3cr3t")
	if !Equal(key, Keyed("abc123", "s3cr3t")) {
		t.Error("Equal(key, key) = false")
	}
	if Equal(key, Keyed("abc123", "other")) {
		t.Error("Equal(key, other) = true")
	}
	if Equal(key, "") {
		t.Error("Equal(key, \"\") = true")
	}
}
