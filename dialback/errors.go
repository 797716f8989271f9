// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/xmppd/xmpp"
)

var (
	// ErrDisabled is returned by the originating and receiving roles
	// when dialback.enabled is false.
	ErrDisabled = errors.New("dialback: disabled by configuration")

	// ErrRejected is the cause of an Error when the remote server
	// answered "invalid".
	ErrRejected = errors.New("dialback: key rejected")
)

// Error is the outcome of a failed role procedure. Condition is the
// stream error the caller sends on the connection it is responsible
// for; Cause is for the operator log and never reaches the peer.
type Error struct {
	Condition xmpp.Condition
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "dialback: " + string(e.Condition)
	}
	return "dialback: " + string(e.Condition) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(condition xmpp.Condition, format string, args ...any) *Error {
	return &Error{Condition: condition, Cause: fmt.Errorf(format, args...)}
}

// Condition extracts the stream error condition carried by err. Errors
// that are not dialback errors map to undefined-condition.
func Condition(err error) xmpp.Condition {
	var dialbackError *Error
	if errors.As(err, &dialbackError) {
		return dialbackError.Condition
	}
	if condition, ok := xmpp.StreamErrorCondition(err); ok {
		return condition
	}
	return xmpp.UndefinedCondition
}

// remoteConnectionFailed collapses a failure of the authoritative round
// trip into the one condition the originating server gets to see.
func remoteConnectionFailed(cause error) *Error {
	return &Error{Condition: xmpp.RemoteConnectionFailed, Cause: cause}
}
