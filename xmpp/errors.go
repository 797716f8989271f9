// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout is returned by bounded reads whose deadline passed. The
	// connection has been closed by the time it is returned.
	ErrTimeout = errors.New("xmpp: read timed out")

	// ErrStreamClosed is returned once the peer has closed its stream
	// or the connection, or after Close on our side.
	ErrStreamClosed = errors.New("xmpp: stream closed")
)

// Condition is a stream error condition.
type Condition string

const (
	BadFormat              Condition = "bad-format"
	Conflict               Condition = "conflict"
	ConnectionTimeout      Condition = "connection-timeout"
	HostUnknown            Condition = "host-unknown"
	InternalServerError    Condition = "internal-server-error"
	InvalidFrom            Condition = "invalid-from"
	InvalidID              Condition = "invalid-id"
	InvalidNamespace       Condition = "invalid-namespace"
	InvalidXML             Condition = "invalid-xml"
	NotAuthorized          Condition = "not-authorized"
	PolicyViolation        Condition = "policy-violation"
	RemoteConnectionFailed Condition = "remote-connection-failed"
	SystemShutdown         Condition = "system-shutdown"
	UndefinedCondition     Condition = "undefined-condition"
	UnsupportedStanzaType  Condition = "unsupported-stanza-type"
)

// StreamError is a stream-level error. Remote is set when the peer sent
// it to us; otherwise it is one of ours to send.
type StreamError struct {
	Condition Condition
	Text      string
	Remote    bool
}

func (e *StreamError) Error() string {
	var builder strings.Builder
	builder.WriteString("stream error")
	if e.Remote {
		builder.WriteString(" from peer")
	}
	builder.WriteString(": ")
	builder.WriteString(string(e.Condition))
	if e.Text != "" {
		builder.WriteString(" (")
		builder.WriteString(e.Text)
		builder.WriteString(")")
	}
	return builder.String()
}

// Element renders the <stream:error/> element.
func (e *StreamError) Element() *Element {
	element := NewElement(NSStream, "error")
	element.AddChild(NewElement(NSStreamErrors, string(e.Condition)))
	if e.Text != "" {
		element.AddChild(NewElement(NSStreamErrors, "text").SetText(e.Text))
	}
	return element
}

// NewStreamError returns a local StreamError.
func NewStreamError(condition Condition, format string, args ...any) *StreamError {
	return &StreamError{Condition: condition, Text: fmt.Sprintf(format, args...)}
}

// parseStreamError converts a received <stream:error/>.
func parseStreamError(element *Element) *StreamError {
	streamError := &StreamError{Condition: UndefinedCondition, Remote: true}
	for _, child := range element.Children {
		if child.Space != NSStreamErrors {
			continue
		}
		if child.Name == "text" {
			streamError.Text = strings.TrimSpace(child.Text)
		} else {
			streamError.Condition = Condition(child.Name)
		}
	}
	return streamError
}

// StreamErrorCondition returns the condition of a StreamError in err's
// chain, and whether there was one.
func StreamErrorCondition(err error) (Condition, bool) {
	var streamError *StreamError
	if errors.As(err, &streamError) {
		return streamError.Condition, true
	}
	return "", false
}

// StanzaErrorType is the type attribute of a stanza <error/>.
type StanzaErrorType string

const (
	ErrorTypeAuth     StanzaErrorType = "auth"
	ErrorTypeCancel   StanzaErrorType = "cancel"
	ErrorTypeContinue StanzaErrorType = "continue"
	ErrorTypeModify   StanzaErrorType = "modify"
	ErrorTypeWait     StanzaErrorType = "wait"
)

// StanzaCondition is a stanza error condition.
type StanzaCondition string

const (
	BadRequest            StanzaCondition = "bad-request"
	FeatureNotImplemented StanzaCondition = "feature-not-implemented"
	ItemNotFound          StanzaCondition = "item-not-found"
	NotAllowed            StanzaCondition = "not-allowed"
	ServiceUnavailable    StanzaCondition = "service-unavailable"
	RemoteServerNotFound  StanzaCondition = "remote-server-not-found"
)

// StanzaError is an error carried inside a stanza of type "error".
type StanzaError struct {
	Type      StanzaErrorType
	Condition StanzaCondition

	// AppCondition is an optional application-specific condition
	// element.
	AppCondition *Element
	Text         string
}

func (e *StanzaError) Error() string {
	message := fmt.Sprintf("stanza error: %s/%s", e.Type, e.Condition)
	if e.AppCondition != nil {
		message += " [" + e.AppCondition.Name + "]"
	}
	if e.Text != "" {
		message += " (" + e.Text + ")"
	}
	return message
}

// Element renders the <error/> child.
func (e *StanzaError) Element() *Element {
	element := NewElement("", "error", "type", string(e.Type))
	element.AddChild(NewElement(NSStanzaErrors, string(e.Condition)))
	if e.Text != "" {
		element.AddChild(NewElement(NSStanzaErrors, "text").SetText(e.Text))
	}
	if e.AppCondition != nil {
		element.AddChild(e.AppCondition.Copy())
	}
	return element
}

// NewStanzaError returns a StanzaError with the conventional type for
// its condition.
func NewStanzaError(condition StanzaCondition, text string) *StanzaError {
	errorType := ErrorTypeCancel
	if condition == BadRequest {
		errorType = ErrorTypeModify
	}
	return &StanzaError{Type: errorType, Condition: condition, Text: text}
}
