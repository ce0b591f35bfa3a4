// Package protocol defines the XML wire vocabulary shared by server and client.
package protocol

import (
	"encoding/xml"
	"strconv"

	"github.com/and161185/gophnotes/internal/errs"
)

// Message is one XML element exchanged inside a group frame.
type Message struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []*Message `xml:",any"`
	Text     string     `xml:",chardata"`
}

// NewMessage returns an empty element with the given name.
func NewMessage(name string) *Message {
	return &Message{XMLName: xml.Name{Local: name}}
}

// Name returns the element name.
func (m *Message) Name() string { return m.XMLName.Local }

// Attr returns the value of attribute name.
func (m *Message) Attr(name string) (string, bool) {
	for _, a := range m.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Has reports whether attribute name is present.
func (m *Message) Has(name string) bool {
	_, ok := m.Attr(name)
	return ok
}

// Set sets attribute name, replacing an existing value.
func (m *Message) Set(name, value string) *Message {
	for i := range m.Attrs {
		if m.Attrs[i].Name.Local == name {
			m.Attrs[i].Value = value
			return m
		}
	}
	m.Attrs = append(m.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return m
}

// SetUint sets attribute name to the decimal form of v.
func (m *Message) SetUint(name string, v uint64) *Message {
	return m.Set(name, strconv.FormatUint(v, 10))
}

// SetBool sets attribute name to "true" or "false".
func (m *Message) SetBool(name string, v bool) *Message {
	return m.Set(name, strconv.FormatBool(v))
}

// SetText replaces the character data of the element.
func (m *Message) SetText(text string) *Message {
	m.Text = text
	return m
}

// Add appends child elements.
func (m *Message) Add(children ...*Message) *Message {
	m.Children = append(m.Children, children...)
	return m
}

// Child returns the first child element named name.
func (m *Message) Child(name string) *Message {
	for _, c := range m.Children {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Required returns attribute name or a no-such-attribute protocol error.
func (m *Message) Required(name string) (string, error) {
	v, ok := m.Attr(name)
	if !ok {
		return "", errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute,
			"Request '%s' does not contain required attribute '%s'", m.Name(), name)
	}
	return v, nil
}

// Uint parses a required decimal attribute.
func (m *Message) Uint(name string) (uint64, error) {
	v, err := m.Required(name)
	if err != nil {
		return 0, err
	}
	n, perr := strconv.ParseUint(v, 10, 64)
	if perr != nil {
		return 0, errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute,
			"Attribute '%s' of '%s' is not a number: %q", name, m.Name(), v)
	}
	return n, nil
}

// Uint32 parses a required decimal attribute that must fit 32 bits.
func (m *Message) Uint32(name string) (uint32, error) {
	n, err := m.Uint(name)
	if err != nil {
		return 0, err
	}
	if n > 1<<32-1 {
		return 0, errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute,
			"Attribute '%s' of '%s' is out of range", name, m.Name())
	}
	return uint32(n), nil
}

// Bool parses an optional boolean attribute; a missing attribute is false.
func (m *Message) Bool(name string) (bool, error) {
	v, ok := m.Attr(name)
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute,
			"Attribute '%s' of '%s' is not a boolean: %q", name, m.Name(), v)
	}
	return b, nil
}

// Seq returns the request sequence token, if any.
func (m *Message) Seq() (uint64, bool) {
	v, ok := m.Attr(AttrSeq)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := &Message{XMLName: m.XMLName, Text: m.Text}
	c.Attrs = append([]xml.Attr(nil), m.Attrs...)
	for _, ch := range m.Children {
		c.Children = append(c.Children, ch.Clone())
	}
	return c
}

// RequestFailed builds the private failure reply for a request.
func RequestFailed(err *errs.ProtocolError, seq uint64, hasSeq bool) *Message {
	msg := NewMessage(RequestFailedName).
		Set(AttrDomain, string(err.Domain)).
		SetUint(AttrCode, uint64(err.Code)).
		SetText(err.Message)
	if hasSeq {
		msg.SetUint(AttrSeq, seq)
	}
	return msg
}

// ParseRequestFailed decodes a request-failed message.
func ParseRequestFailed(msg *Message) (*errs.ProtocolError, error) {
	domain, err := msg.Required(AttrDomain)
	if err != nil {
		return nil, err
	}
	code, err := msg.Uint(AttrCode)
	if err != nil {
		return nil, err
	}
	return errs.FromWire(domain, code, msg.Text), nil
}
