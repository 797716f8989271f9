// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/xmppd/lib/secret"
)

// Keypair is an age x25519 identity and its public recipient string.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... identity.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient.
	PublicKey string
}

// Close releases the private key. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a fresh identity, used by operators to
// provision the cache key for a cluster.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Sealer encrypts to one identity's recipient and decrypts with the
// identity itself.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealer parses the identity held in privateKey. The buffer is
// borrowed, not closed.
func NewSealer(privateKey *secret.Buffer) (*Sealer, error) {
	if privateKey == nil {
		return nil, errors.New("sealed: nil private key")
	}
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// Recipient returns the age1... public key values are sealed to.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext to the sealer's recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal with the same identity.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted value: %w", err)
	}
	return plaintext, nil
}
