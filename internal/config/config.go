// Package config reads the server configuration from flags, falling back to GN_* environment
// variables for anything not given on the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// Config holds the server settings.
type Config struct {
	Addr     string
	GRPCAddr string

	// DSN selects the Postgres repositories; empty keeps everything in memory.
	DSN       string
	JWTKey    string
	AccessTTL time.Duration

	Storage     string
	StorageRoot string
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	Autosave time.Duration

	TLSCert string
	TLSKey  string

	LogLevel  string
	LogFormat string
	Dev       bool
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv("GN_" + key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv("GN_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv("GN_" + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load parses args (without the program name).
func Load(args []string) (*Config, error) {
	c := &Config{}
	fs := flag.NewFlagSet("gn-server", flag.ContinueOnError)
	fs.StringVar(&c.Addr, "addr", envOr("ADDR", ":6523"), "HTTP/websocket listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", envOr("GRPC_ADDR", ":6524"), "gRPC health listen address (empty disables)")
	fs.StringVar(&c.DSN, "dsn", envOr("DSN", ""), "PostgreSQL DSN (empty keeps the directory in memory)")
	fs.StringVar(&c.JWTKey, "jwt-key", envOr("JWT_KEY", ""), "HS256 signing key (required)")
	fs.DurationVar(&c.AccessTTL, "access-ttl", envDuration("ACCESS_TTL", 12*time.Hour), "access token TTL")
	fs.StringVar(&c.Storage, "storage", envOr("STORAGE", StorageFS), "note storage backend: fs or s3")
	fs.StringVar(&c.StorageRoot, "storage-root", envOr("STORAGE_ROOT", "./data"), "root directory of the fs backend")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", envOr("S3_ENDPOINT", ""), "S3 endpoint (empty uses AWS)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", envOr("S3_BUCKET", "gophnotes"), "S3 bucket")
	fs.StringVar(&c.S3Region, "s3-region", envOr("S3_REGION", "us-east-1"), "S3 region")
	fs.StringVar(&c.S3AccessKey, "s3-access-key", envOr("S3_ACCESS_KEY", ""), "S3 access key")
	fs.StringVar(&c.S3SecretKey, "s3-secret-key", envOr("S3_SECRET_KEY", ""), "S3 secret key")
	fs.DurationVar(&c.Autosave, "autosave", envDuration("AUTOSAVE", 30*time.Second), "note autosave interval (0 disables)")
	fs.StringVar(&c.TLSCert, "tls-cert", envOr("TLS_CERT", ""), "TLS certificate (PEM)")
	fs.StringVar(&c.TLSKey, "tls-key", envOr("TLS_KEY", ""), "TLS private key (PEM)")
	fs.StringVar(&c.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", envOr("LOG_FORMAT", "json"), "json or console")
	fs.BoolVar(&c.Dev, "dev", envBool("DEV", false), "enable gRPC reflection (dev only)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	var problems []error
	if c.JWTKey == "" {
		problems = append(problems, errors.New("missing jwt signing key (--jwt-key or GN_JWT_KEY)"))
	}
	switch c.Storage {
	case StorageFS:
		if c.StorageRoot == "" {
			problems = append(problems, errors.New("fs storage needs --storage-root"))
		}
	case StorageS3:
		if c.S3Bucket == "" {
			problems = append(problems, errors.New("s3 storage needs --s3-bucket"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown storage backend %q", c.Storage))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, errors.New("--tls-cert and --tls-key go together"))
	}
	if c.AccessTTL <= 0 {
		problems = append(problems, errors.New("--access-ttl must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		problems = append(problems, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(problems...)
}

// TLS reports whether certificates are configured.
func (c *Config) TLS() bool { return c.TLSCert != "" }
