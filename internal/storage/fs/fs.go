// Package fs stores note documents in a local directory tree.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/metrics"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/storage"
)

// Storage keeps every object as a file below root.
type Storage struct {
	root string
	log  *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// New creates root if needed.
func New(root string, log *zap.Logger) (*Storage, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, storage.NewError(errs.CodeIOFailed, "init", root, err)
	}
	return &Storage{root: root, log: log}, nil
}

func (s *Storage) file(op, identifier, p string) (string, error) {
	name, err := storage.Join(op, identifier, p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

func ioError(op, p string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		err = fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	return storage.NewError(errs.CodeIOFailed, op, p, err)
}

type readOnly struct{ *os.File }

func (readOnly) Write([]byte) (int, error) { return 0, errors.New("stream opened for reading") }

type writeOnly struct{ *os.File }

func (writeOnly) Read([]byte) (int, error) { return 0, errors.New("stream opened for writing") }

func (s *Storage) Open(_ context.Context, identifier, p string, mode storage.Mode) (storage.Stream, error) {
	file, err := s.file("open", identifier, p)
	if err != nil {
		return nil, err
	}
	if mode == storage.ModeRead {
		f, err := os.Open(file)
		if err != nil {
			return nil, ioError("open", p, err)
		}
		return readOnly{f}, nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, ioError("open", p, err)
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, ioError("open", p, err)
	}
	return writeOnly{f}, nil
}

func (s *Storage) ReadStructured(_ context.Context, identifier, p string) (*protocol.Message, error) {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("fs", "read", time.Since(start)) }()

	file, err := s.file("read", identifier, p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, ioError("read", p, err)
	}
	doc, err := storage.Unmarshal(data)
	if err != nil {
		return nil, storage.NewError(errs.CodeInvalidFormat, "read", p, err)
	}
	return doc, nil
}

// WriteStructured replaces the file atomically through a temporary file in the same directory.
func (s *Storage) WriteStructured(_ context.Context, identifier, p string, doc *protocol.Message) error {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("fs", "write", time.Since(start)) }()

	file, err := s.file("write", identifier, p)
	if err != nil {
		return err
	}
	data, err := storage.Marshal(doc)
	if err != nil {
		return storage.NewError(errs.CodeInvalidFormat, "write", p, err)
	}
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ioError("write", p, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ioError("write", p, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioError("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		return ioError("write", p, err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return ioError("write", p, err)
	}
	s.log.Debug("document written", zap.String("identifier", identifier), zap.String("path", p), zap.Int("bytes", len(data)))
	return nil
}

// Remove deletes the object; a missing object is not an error.
func (s *Storage) Remove(_ context.Context, identifier, p string) error {
	file, err := s.file("remove", identifier, p)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return storage.NewError(errs.CodeRemoveFiles, "remove", p, err)
	}
	return nil
}
