// Package engine wires the chaincache components into one service
package engine

import (
	"errors"
	"fmt"
	"maps"

	"github.com/ethpandaops/chaincache/pkg/api"
	"github.com/ethpandaops/chaincache/pkg/blob"
	"github.com/ethpandaops/chaincache/pkg/ethrpc"
	"github.com/ethpandaops/chaincache/pkg/lock"
	"github.com/ethpandaops/chaincache/pkg/logging"
	"github.com/ethpandaops/chaincache/pkg/orchestrator"
	"github.com/ethpandaops/chaincache/pkg/redis"
	"github.com/ethpandaops/chaincache/pkg/scheduler"
	"github.com/ethpandaops/chaincache/pkg/storage/redisstore"
	"github.com/ethpandaops/chaincache/pkg/storage/sqlstore"
	"github.com/ethpandaops/chaincache/pkg/worker"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQL    = "sql"
)

// Lock backends
const (
	LockLocal = "local"
	LockRedis = "redis"
)

var (
	// ErrUnsupportedStorage is returned for an unknown row storage backend
	ErrUnsupportedStorage = errors.New("unsupported storage backend")
	// ErrUnsupportedLock is returned for an unknown lock backend
	ErrUnsupportedLock = errors.New("unsupported lock backend")
	// ErrRedisRequired is returned when a component needs Redis but none is configured
	ErrRedisRequired = errors.New("redis url is required")
	// ErrEmptySchemaVersion is returned when a namespace declares an empty version
	ErrEmptySchemaVersion = errors.New("schema version must not be empty")
	// ErrLocalLockShared is returned when a shared row backend is paired with a process-local lock
	ErrLocalLockShared = errors.New("local locks cannot guard a shared storage backend")
)

// StorageConfig selects the row backend
type StorageConfig struct {
	Backend string            `yaml:"backend" default:"memory"`
	Redis   redisstore.Config `yaml:"redis"`
	SQL     sqlstore.Config   `yaml:"sql"`
}

// LockConfig selects the per-key lock implementation
type LockConfig struct {
	Backend string      `yaml:"backend" default:"local"`
	Redis   lock.Config `yaml:"redis"`
}

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         logging.Config `yaml:"logging"`
	MetricsAddr     string         `yaml:"metricsAddr" default:":9091"`
	HealthCheckAddr string         `yaml:"healthCheckAddr"`
	PProfAddr       string         `yaml:"pprofAddr"`

	// Redis is only dialled when a configured component needs it
	Redis redis.Config `yaml:"redis"`

	Storage StorageConfig `yaml:"storage"`
	Blob    blob.Config   `yaml:"blob"`
	Lock    LockConfig    `yaml:"lock"`

	Fetch   orchestrator.Config `yaml:"fetch"`
	Rechunk scheduler.Config    `yaml:"rechunk"`

	// SchemaVersions overrides the declared row-format version per namespace
	SchemaVersions map[string]string `yaml:"schemaVersions"`

	API    api.Config    `yaml:"api"`
	Worker worker.Config `yaml:"worker"`
	RPC    ethrpc.Config `yaml:"rpc"`
}

// NeedsRedis reports whether any configured component talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.Storage.Backend == StorageRedis ||
		c.Blob.Backend == blob.BackendRedis ||
		c.Lock.Backend == LockRedis ||
		c.Worker.Enabled ||
		c.Rechunk.Enabled
}

// DeclaredVersions merges SchemaVersions over the built-in defaults
func (c *Config) DeclaredVersions(defaults map[string]string) map[string]string {
	out := maps.Clone(defaults)
	maps.Copy(out, c.SchemaVersions)

	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	case StorageSQL:
		if err := c.Storage.SQL.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedStorage, c.Storage.Backend)
	}

	switch c.Lock.Backend {
	case LockLocal:
		if c.Storage.Backend == StorageRedis {
			return fmt.Errorf("%w: use lock.backend=redis", ErrLocalLockShared)
		}
	case LockRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLock, c.Lock.Backend)
	}

	if err := c.Blob.Validate(); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if c.NeedsRedis() {
		if c.Redis.URL == "" {
			return ErrRedisRequired
		}

		if err := c.Redis.Validate(); err != nil {
			return err
		}
	}

	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	if err := c.Rechunk.Validate(); err != nil {
		return fmt.Errorf("rechunk: %w", err)
	}

	for ns, v := range c.SchemaVersions {
		if v == "" {
			return fmt.Errorf("%w: %q", ErrEmptySchemaVersion, ns)
		}
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if c.Worker.Enabled {
		if err := c.Worker.Validate(); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}

	if len(c.RPC.Endpoints) > 0 {
		if err := c.RPC.Validate(); err != nil {
			return fmt.Errorf("rpc: %w", err)
		}
	}

	return nil
}
