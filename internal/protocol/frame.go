package protocol

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// Scope tells a publishing peer whether a frame is addressed to it or to the whole group.
type Scope string

const (
	ScopeP2P   Scope = ""
	ScopeGroup Scope = "group"
)

// Frame is the unit written to a connection: messages for one named group.
type Frame struct {
	XMLName  xml.Name   `xml:"group"`
	Group    string     `xml:"name,attr"`
	Scope    Scope      `xml:"scope,attr,omitempty"`
	Messages []*Message `xml:",any"`
}

// ErrMalformedFrame is returned by Decode for input that is not a group frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode serializes f.
func Encode(f *Frame) ([]byte, error) {
	return xml.Marshal(f)
}

// Decode parses one frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.XMLName.Local != "group" || f.Group == "" {
		return nil, fmt.Errorf("%w: missing group name", ErrMalformedFrame)
	}
	return &f, nil
}
