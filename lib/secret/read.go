// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadFile loads the secret stored at path. Leading and trailing
// whitespace (typically a trailing newline from an editor or echo) is
// not part of the secret. An all-whitespace file is an error.
func ReadFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	defer Zero(data)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret file %s: %w", path, ErrEmpty)
	}
	return NewFromBytes(trimmed)
}
