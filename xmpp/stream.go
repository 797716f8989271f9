// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/xmppd/lib/clock"
)

// Header is the content of a <stream:stream> opening tag.
type Header struct {
	// Namespace is the default namespace: jabber:server for
	// federation, jabber:connectionmanager for connection managers.
	Namespace string

	To      string
	From    string
	ID      string
	Version string
	Lang    string

	// Dialback is set when the header declares the dialback namespace.
	Dialback bool
}

// Stream is one XML stream over a connection. Reads must come from a
// single goroutine; writes may come from any number.
type Stream struct {
	conn  io.ReadWriteCloser
	clock clock.Clock

	decoder *xml.Decoder

	writeMu   sync.Mutex
	namespace string

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewStream wraps conn. Timeouts run on clk.
func NewStream(conn io.ReadWriteCloser, clk clock.Clock) *Stream {
	if clk == nil {
		clk = clock.Real()
	}
	return &Stream{
		conn:    conn,
		clock:   clk,
		decoder: newDecoder(conn),
	}
}

func newDecoder(r io.Reader) *xml.Decoder {
	decoder := xml.NewDecoder(r)
	decoder.Strict = true
	return decoder
}

// Conn returns the underlying connection.
func (s *Stream) Conn() io.ReadWriteCloser {
	return s.conn
}

// Reset starts a new XML document on the same connection, as required
// after STARTTLS and compression are negotiated. The connection itself
// is expected to have switched to its new reader and writer already.
func (s *Stream) Reset() {
	s.decoder = newDecoder(s.conn)
}

// ReadHeader reads up to and including the peer's <stream:stream>.
func (s *Stream) ReadHeader() (*Header, error) {
	for {
		token, err := s.decoder.Token()
		if err != nil {
			return nil, s.readError(err)
		}
		switch token := token.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
			continue
		case xml.CharData:
			if len(bytes.TrimSpace(token)) == 0 {
				continue
			}
			return nil, NewStreamError(BadFormat, "text before stream header")
		case xml.StartElement:
			if token.Name.Local != "stream" || token.Name.Space != NSStream {
				return nil, NewStreamError(InvalidNamespace, "expected stream:stream, got %s", token.Name.Local)
			}
			return parseHeader(token), nil
		default:
			return nil, NewStreamError(BadFormat, "unexpected token before stream header")
		}
	}
}

// ReadHeaderTimeout is ReadHeader bounded by timeout.
func (s *Stream) ReadHeaderTimeout(timeout time.Duration) (*Header, error) {
	var header *Header
	err := s.withTimeout(timeout, func() error {
		var err error
		header, err = s.ReadHeader()
		return err
	})
	return header, err
}

func parseHeader(start xml.StartElement) *Header {
	header := &Header{}
	for _, attr := range start.Attr {
		switch {
		case attr.Name.Space == "" && attr.Name.Local == "xmlns":
			header.Namespace = attr.Value
		case attr.Name.Space == "xmlns":
			if attr.Value == NSDialback {
				header.Dialback = true
			}
		case attr.Name.Space == nsXML && attr.Name.Local == "lang":
			header.Lang = attr.Value
		case attr.Name.Space == "":
			switch attr.Name.Local {
			case "to":
				header.To = attr.Value
			case "from":
				header.From = attr.Value
			case "id":
				header.ID = attr.Value
			case "version":
				header.Version = attr.Value
			}
		}
	}
	return header
}

// WriteHeader sends our <stream:stream>. Its namespace becomes the
// default against which top-level elements are written.
func (s *Stream) WriteHeader(header Header) error {
	var buffer bytes.Buffer
	buffer.WriteString("<?xml version='1.0'?><stream:stream")
	writeAttr(&buffer, "xmlns:stream", NSStream)
	writeAttr(&buffer, "xmlns", header.Namespace)
	if header.Dialback {
		writeAttr(&buffer, "xmlns:db", NSDialback)
	}
	writeAttr(&buffer, "to", header.To)
	writeAttr(&buffer, "from", header.From)
	writeAttr(&buffer, "id", header.ID)
	writeAttr(&buffer, "xml:lang", header.Lang)
	writeAttr(&buffer, "version", header.Version)
	buffer.WriteByte('>')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.namespace = header.Namespace
	return s.writeLocked(buffer.Bytes())
}

func writeAttr(buffer *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buffer.WriteString(" " + name + `="` + escapeString(value) + `"`)
}

// ReadElement returns the next top-level element. Whitespace keepalives
// between elements are skipped. A <stream:error/> from the peer is
// returned as a *StreamError with Remote set; the peer's closing tag or
// a closed connection returns ErrStreamClosed.
func (s *Stream) ReadElement() (*Element, error) {
	for {
		token, err := s.decoder.Token()
		if err != nil {
			return nil, s.readError(err)
		}
		switch token := token.(type) {
		case xml.StartElement:
			element, err := s.readTree(token)
			if err != nil {
				return nil, err
			}
			if element.Is(NSStream, "error") {
				return nil, parseStreamError(element)
			}
			return element, nil
		case xml.EndElement:
			return nil, ErrStreamClosed
		case xml.CharData:
			if len(bytes.TrimSpace(token)) != 0 {
				return nil, NewStreamError(BadFormat, "text between top-level elements")
			}
		}
	}
}

// ReadElementTimeout is ReadElement bounded by timeout. On expiry the
// connection is closed and ErrTimeout returned.
func (s *Stream) ReadElementTimeout(timeout time.Duration) (*Element, error) {
	var element *Element
	err := s.withTimeout(timeout, func() error {
		var err error
		element, err = s.ReadElement()
		return err
	})
	return element, err
}

func (s *Stream) withTimeout(timeout time.Duration, read func() error) error {
	var expired atomic.Bool
	timer := s.clock.AfterFunc(timeout, func() {
		expired.Store(true)
		s.closeConn()
	})
	err := read()
	timer.Stop()
	if expired.Load() {
		return ErrTimeout
	}
	return err
}

func (s *Stream) readTree(start xml.StartElement) (*Element, error) {
	element := elementFromStart(start)
	var text strings.Builder
	for {
		token, err := s.decoder.Token()
		if err != nil {
			return nil, s.readError(err)
		}
		switch token := token.(type) {
		case xml.StartElement:
			child, err := s.readTree(token)
			if err != nil {
				return nil, err
			}
			element.Children = append(element.Children, child)
		case xml.CharData:
			text.Write(token)
		case xml.EndElement:
			element.Text = text.String()
			return element, nil
		}
	}
}

func (s *Stream) readError(err error) error {
	if errors.Is(err, io.EOF) || s.closed.Load() {
		return ErrStreamClosed
	}
	var syntaxError *xml.SyntaxError
	if errors.As(err, &syntaxError) {
		// The decoder reports a connection dropped inside the open
		// stream element as a syntax error.
		if syntaxError.Msg == "unexpected EOF" {
			return ErrStreamClosed
		}
		return NewStreamError(InvalidXML, "%s", syntaxError.Msg)
	}
	return fmt.Errorf("reading stream: %w", err)
}

// WriteElement sends one top-level element.
func (s *Stream) WriteElement(element *Element) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var buffer bytes.Buffer
	element.write(&buffer, s.namespace, false)
	return s.writeLocked(buffer.Bytes())
}

// WriteError sends a <stream:error/>. It does not close the stream.
func (s *Stream) WriteError(streamError *StreamError) error {
	return s.WriteElement(streamError.Element())
}

// Fail sends a stream error with condition and closes the stream. It
// returns the StreamError so callers can return it directly.
func (s *Stream) Fail(condition Condition, format string, args ...any) error {
	streamError := NewStreamError(condition, format, args...)
	s.WriteError(streamError)
	s.Close()
	return streamError
}

func (s *Stream) writeLocked(data []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("writing stream: %w", err)
	}
	return nil
}

// Close sends </stream:stream> (best effort) and closes the connection.
// It is idempotent and safe to call concurrently with reads.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if !s.closed.Load() {
			s.conn.Write([]byte("</stream:stream>"))
		}
		err = s.closeConn()
	})
	return err
}

// Closed reports whether Close has been called or a timeout expired.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}

func (s *Stream) closeConn() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
