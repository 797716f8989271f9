// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"slices"
	"sync"
)

// Memory is a process-local Cache.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	locks  map[string]chan struct{}
}

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		locks:  make(map[string]chan struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, found := m.values[key]
	return slices.Clone(value), found, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = slices.Clone(value)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Lock uses a one-slot channel per name as the mutex so that waiting
// can be abandoned when ctx ends.
func (m *Memory) Lock(ctx context.Context, name string) (Unlock, error) {
	m.mu.Lock()
	slot, ok := m.locks[name]
	if !ok {
		slot = make(chan struct{}, 1)
		m.locks[name] = slot
	}
	m.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}

var _ Cache = (*Memory)(nil)
