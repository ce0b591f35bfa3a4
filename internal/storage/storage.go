// Package storage defines where note documents are kept. Backends live in sub-packages.
package storage

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

// Mode selects how Open opens a stream.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// Stream is an open stored object. Read-mode streams reject writes and vice versa.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Storage keeps documents under an identifier (a namespace such as "notes") and a relative path.
type Storage interface {
	Open(ctx context.Context, identifier, path string, mode Mode) (Stream, error)
	ReadStructured(ctx context.Context, identifier, path string) (*protocol.Message, error)
	WriteStructured(ctx context.Context, identifier, path string, doc *protocol.Message) error
	Remove(ctx context.Context, identifier, path string) error
}

// Error is the failure of a storage operation. It matches errs.ErrStorage, and errs.ErrNotFound
// when the object does not exist.
type Error struct {
	Code errs.Code
	Op   string
	Path string
	Err  error
}

// NewError builds an Error.
func NewError(code errs.Code, op, p string, err error) *Error {
	return &Error{Code: code, Op: op, Path: p, Err: err}
}

// Tag returns the short name of the error code.
func (e *Error) Tag() string {
	switch e.Code {
	case errs.CodeInvalidPath:
		return "invalid-path"
	case errs.CodeInvalidFormat:
		return "invalid-format"
	case errs.CodeRemoveFiles:
		return "remove-files"
	}
	return "io-failed"
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s %s: %s", e.Op, e.Path, e.Tag())
	}
	return fmt.Sprintf("storage %s %s: %s: %v", e.Op, e.Path, e.Tag(), e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{errs.ErrStorage}
	}
	return []error{errs.ErrStorage, e.Err}
}

// Is matches the storage protocol error of the same code.
func (e *Error) Is(target error) bool {
	var pe *errs.ProtocolError
	return errors.As(target, &pe) && pe.Domain == errs.DomainStorage && pe.Code == e.Code
}

// Protocol converts the error for a request-failed reply. The path is not disclosed.
func (e *Error) Protocol() *errs.ProtocolError {
	return errs.New(errs.DomainStorage, e.Code)
}

// Join validates identifier and p and returns the slash separated object name.
func Join(op, identifier, p string) (string, error) {
	full := identifier + "/" + p
	if identifier == "" || p == "" {
		return "", NewError(errs.CodeInvalidPath, op, full, nil)
	}
	for _, part := range []string{identifier, p} {
		if strings.HasPrefix(part, "/") || strings.Contains(part, "\\") || strings.ContainsRune(part, 0) {
			return "", NewError(errs.CodeInvalidPath, op, full, nil)
		}
		for _, seg := range strings.Split(part, "/") {
			if seg == "" || seg == "." || seg == ".." {
				return "", NewError(errs.CodeInvalidPath, op, full, nil)
			}
		}
	}
	return path.Clean(full), nil
}

// Marshal encodes a document with an XML declaration.
func Marshal(doc *protocol.Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Unmarshal decodes a document written by Marshal.
func Unmarshal(data []byte) (*protocol.Message, error) {
	var doc protocol.Message
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
