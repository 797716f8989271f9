// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Attr is one attribute. Namespaced attributes other than xml:lang are
// not used on xmppd's streams and keep only their local name.
type Attr struct {
	Name  string
	Value string
}

// Element is a node of a stanza or stream-level element tree. Character
// data is collected into Text regardless of its position among the
// children.
type Element struct {
	Space    string
	Name     string
	Attrs    []Attr
	Children []*Element
	Text     string
}

// NewElement creates an element. attrs are name/value pairs; a trailing
// name without a value is ignored.
func NewElement(space, name string, attrs ...string) *Element {
	element := &Element{Space: space, Name: name}
	for index := 0; index+1 < len(attrs); index += 2 {
		element.SetAttr(attrs[index], attrs[index+1])
	}
	return element
}

// Is reports whether the element has the given local name and, when
// space is not empty, namespace.
func (e *Element) Is(space, name string) bool {
	return e != nil && e.Name == name && (space == "" || e.Space == space)
}

// Attr returns the named attribute's value, or "" when absent.
func (e *Element) Attr(name string) string {
	for _, attr := range e.Attrs {
		if attr.Name == name {
			return attr.Value
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present, even if empty.
func (e *Element) HasAttr(name string) bool {
	for _, attr := range e.Attrs {
		if attr.Name == name {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces an attribute and returns e.
func (e *Element) SetAttr(name, value string) *Element {
	for index := range e.Attrs {
		if e.Attrs[index].Name == name {
			e.Attrs[index].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// RemoveAttr deletes an attribute if present.
func (e *Element) RemoveAttr(name string) {
	for index := range e.Attrs {
		if e.Attrs[index].Name == name {
			e.Attrs = append(e.Attrs[:index], e.Attrs[index+1:]...)
			return
		}
	}
}

// Child returns the first child matching Is(space, name), or nil.
func (e *Element) Child(space, name string) *Element {
	for _, child := range e.Children {
		if child.Is(space, name) {
			return child
		}
	}
	return nil
}

// AddChild appends child and returns e.
func (e *Element) AddChild(child *Element) *Element {
	e.Children = append(e.Children, child)
	return e
}

// SetText replaces the character data and returns e.
func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// Copy returns a deep copy.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	clone := &Element{
		Space: e.Space,
		Name:  e.Name,
		Attrs: append([]Attr(nil), e.Attrs...),
		Text:  e.Text,
	}
	for _, child := range e.Children {
		clone.Children = append(clone.Children, child.Copy())
	}
	return clone
}

// ClearNamespace empties Space on e and its descendants wherever it
// equals space, so the tree takes the default namespace of the stream
// it is written to next.
func (e *Element) ClearNamespace(space string) {
	if e.Space == space {
		e.Space = ""
	}
	for _, child := range e.Children {
		child.ClearNamespace(space)
	}
}

// String serializes e as a standalone fragment, declaring any prefix it
// uses. For logs and tests; streams use their own context.
func (e *Element) String() string {
	var buffer bytes.Buffer
	e.write(&buffer, "", true)
	return buffer.String()
}

// write serializes e inside a parent whose default namespace is
// parentSpace.
func (e *Element) write(buffer *bytes.Buffer, parentSpace string, standalone bool) {
	name := e.Name
	childSpace := parentSpace
	var declaration string

	switch {
	case e.Space == NSStream:
		name = "stream:" + e.Name
		if standalone {
			declaration = ` xmlns:stream="` + NSStream + `"`
		}
	case e.Space == NSDialback:
		name = "db:" + e.Name
		if standalone {
			declaration = ` xmlns:db="` + NSDialback + `"`
		}
	case e.Space != "" && e.Space != parentSpace:
		declaration = ` xmlns="` + escapeString(e.Space) + `"`
		childSpace = e.Space
	}

	buffer.WriteByte('<')
	buffer.WriteString(name)
	buffer.WriteString(declaration)
	for _, attr := range e.Attrs {
		buffer.WriteByte(' ')
		buffer.WriteString(attr.Name)
		buffer.WriteString(`="`)
		buffer.WriteString(escapeString(attr.Value))
		buffer.WriteByte('"')
	}
	if len(e.Children) == 0 && e.Text == "" {
		buffer.WriteString("/>")
		return
	}
	buffer.WriteByte('>')
	if e.Text != "" {
		buffer.WriteString(escapeString(e.Text))
	}
	for _, child := range e.Children {
		child.write(buffer, childSpace, false)
	}
	buffer.WriteString("</")
	buffer.WriteString(name)
	buffer.WriteByte('>')
}

func escapeString(s string) string {
	if !strings.ContainsAny(s, `&<>"'`+"\r\n\t") {
		return s
	}
	var buffer bytes.Buffer
	xml.EscapeText(&buffer, []byte(s))
	return buffer.String()
}

// elementFromStart converts a decoder start token, dropping namespace
// declarations.
func elementFromStart(start xml.StartElement) *Element {
	element := &Element{Space: start.Name.Space, Name: start.Name.Local}
	for _, attr := range start.Attr {
		switch {
		case attr.Name.Space == "xmlns", attr.Name.Space == "" && attr.Name.Local == "xmlns":
			continue
		case attr.Name.Space == nsXML:
			element.Attrs = append(element.Attrs, Attr{Name: "xml:" + attr.Name.Local, Value: attr.Value})
		default:
			element.Attrs = append(element.Attrs, Attr{Name: attr.Name.Local, Value: attr.Value})
		}
	}
	return element
}
