// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/xmppd/xmpp"
)

// MemoryOfflineStore keeps undeliverable messages per bare recipient
// until they are drained.
type MemoryOfflineStore struct {
	mu       sync.Mutex
	messages map[string][]*xmpp.Element
}

func NewMemoryOfflineStore() *MemoryOfflineStore {
	return &MemoryOfflineStore{messages: make(map[string][]*xmpp.Element)}
}

// Store keeps a copy of message.
func (s *MemoryOfflineStore) Store(_ context.Context, message *xmpp.Element) error {
	recipient := xmpp.Bare(message.Attr("to"))
	if recipient == "" {
		return errors.New("routing: offline message has no recipient")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[recipient] = append(s.messages[recipient], message.Copy())
	return nil
}

// Drain returns and forgets the messages stored for recipient.
func (s *MemoryOfflineStore) Drain(recipient string) []*xmpp.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	bare := xmpp.Bare(recipient)
	messages := s.messages[bare]
	delete(s.messages, bare)
	return messages
}

// Count returns the number of messages waiting for recipient.
func (s *MemoryOfflineStore) Count(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[xmpp.Bare(recipient)])
}
