// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrEmpty is returned when a secret would have zero length.
var ErrEmpty = errors.New("secret: empty")

// Buffer is secret material in locked, non-dumpable memory. A Buffer
// must not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// New allocates a zero-filled protected buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	return &Buffer{data: data}, nil
}

// NewFromBytes copies source into a protected buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, ErrEmpty
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns a slice into the protected region. It is only valid
// until Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return b.data
}

// String returns a heap copy of the secret, for APIs that only accept
// strings (digest functions, age identity parsing).
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return string(b.data)
}

// Len reports the secret's length, or zero after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Equal compares the secret with candidate in constant time.
func (b *Buffer) Equal(candidate []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return subtle.ConstantTimeCompare(b.data, candidate) == 1
}

// Close zeroes and releases the memory. It is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)

	var errs []error
	if err := unix.Munlock(b.data); err != nil {
		errs = append(errs, fmt.Errorf("secret: munlock: %w", err))
	}
	if err := unix.Munmap(b.data); err != nil {
		errs = append(errs, fmt.Errorf("secret: munmap: %w", err))
	}
	b.data = nil
	return errors.Join(errs...)
}

func (b *Buffer) mustBeOpen() {
	if b.closed {
		panic("secret: access after Close")
	}
}

// Zero overwrites data with zero bytes.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
