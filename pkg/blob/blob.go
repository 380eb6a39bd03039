// Package blob stores chunk payloads by chunk id.
package blob

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no blob exists for an id
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidID is returned for ids that are not safe to use as storage names
	ErrInvalidID = errors.New("invalid blob id")
	// ErrUnsupportedBackend is returned for unknown blob backends
	ErrUnsupportedBackend = errors.New("unsupported blob backend")
)

// Supported backends
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendRedis  = "redis"
)

// Store keeps opaque payloads addressed by id. Put overwrites, Delete of a missing id is not
// an error.
type Store interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,128}$`)

// ValidateID rejects ids that could escape a directory or key namespace
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return nil
}

// Config selects and configures a blob backend
type Config struct {
	Backend     string `yaml:"backend" default:"memory"`
	Path        string `yaml:"path" default:"./data/blobs"`
	Compression string `yaml:"compression" default:"zstd"`
	Prefix      string `yaml:"prefix" default:"chaincache:blob"`
}

// Validate checks the backend and compression settings
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendFS, BackendRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedBackend, c.Backend)
	}

	switch c.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCompression, c.Compression)
	}

	return nil
}

// New builds the configured backend. client is only used by the redis backend.
func New(log logrus.FieldLogger, cfg Config, client redis.UniversalClient) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendFS:
		return NewFS(log, cfg.Path, cfg.Compression)
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("%w: redis backend needs a redis client", ErrUnsupportedBackend)
		}

		return NewRedis(client, cfg.Prefix), nil
	default:
		return NewMemory(), nil
	}
}
