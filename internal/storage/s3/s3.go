// Package s3 stores note documents in an S3 compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/metrics"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/storage"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Storage keeps every object under the key "<identifier>/<path>".
type Storage struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// New builds a client for cfg. A custom endpoint switches to path-style addressing.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Storage{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (s *Storage) observe(op string, start time.Time) {
	metrics.RecordStorageOperation("s3", op, time.Since(start))
}

func ioError(op, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			err = fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		}
	}
	return storage.NewError(errs.CodeIOFailed, op, key, err)
}

func (s *Storage) get(ctx context.Context, op, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ioError(op, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ioError(op, key, err)
	}
	return data, nil
}

func (s *Storage) put(ctx context.Context, op, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/xml"),
	})
	if err != nil {
		return ioError(op, key, err)
	}
	s.log.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

type reader struct{ io.ReadCloser }

func (reader) Write([]byte) (int, error) { return 0, errors.New("stream opened for reading") }

// writer buffers the object and uploads it on Close.
type writer struct {
	s   *Storage
	ctx context.Context
	key string
	buf bytes.Buffer
}

func (w *writer) Read([]byte) (int, error)    { return 0, errors.New("stream opened for writing") }
func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Close() error {
	start := time.Now()
	defer w.s.observe("put", start)
	return w.s.put(w.ctx, "open", w.key, w.buf.Bytes())
}

func (s *Storage) Open(ctx context.Context, identifier, p string, mode storage.Mode) (storage.Stream, error) {
	key, err := storage.Join("open", identifier, p)
	if err != nil {
		return nil, err
	}
	if mode == storage.ModeWrite {
		return &writer{s: s, ctx: ctx, key: key}, nil
	}
	start := time.Now()
	defer s.observe("get", start)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ioError("open", key, err)
	}
	return reader{out.Body}, nil
}

func (s *Storage) ReadStructured(ctx context.Context, identifier, p string) (*protocol.Message, error) {
	key, err := storage.Join("read", identifier, p)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer s.observe("get", start)

	data, err := s.get(ctx, "read", key)
	if err != nil {
		return nil, err
	}
	doc, err := storage.Unmarshal(data)
	if err != nil {
		return nil, storage.NewError(errs.CodeInvalidFormat, "read", key, err)
	}
	return doc, nil
}

func (s *Storage) WriteStructured(ctx context.Context, identifier, p string, doc *protocol.Message) error {
	key, err := storage.Join("write", identifier, p)
	if err != nil {
		return err
	}
	data, err := storage.Marshal(doc)
	if err != nil {
		return storage.NewError(errs.CodeInvalidFormat, "write", key, err)
	}
	start := time.Now()
	defer s.observe("put", start)
	return s.put(ctx, "write", key, data)
}

func (s *Storage) Remove(ctx context.Context, identifier, p string) error {
	key, err := storage.Join("remove", identifier, p)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.observe("delete", start)

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.NewError(errs.CodeRemoveFiles, "remove", key, err)
	}
	s.log.Debug("S3 delete object", zap.String("key", key))
	return nil
}
