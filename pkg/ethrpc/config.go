// Package ethrpc fetches chain data over Ethereum JSON-RPC and shapes it into cache payloads.
package ethrpc

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNoEndpoints is returned when no network has an RPC endpoint configured
	ErrNoEndpoints = errors.New("at least one rpc endpoint is required")
	// ErrInvalidEndpoint is returned for endpoints that are not http(s) URLs
	ErrInvalidEndpoint = errors.New("invalid rpc endpoint")
)

// Config holds JSON-RPC client settings
type Config struct {
	// Endpoints maps a network name (as used in cache keys) to its RPC URL
	Endpoints  map[string]string `yaml:"endpoints"`
	Timeout    time.Duration     `yaml:"timeout" default:"30s"`
	MaxRetries int               `yaml:"maxRetries" default:"2"`
	// BlockConcurrency bounds per-block calls (timestamps, balances) within one fetch
	BlockConcurrency int `yaml:"blockConcurrency" default:"4"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}

	for network, endpoint := range c.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s=%q", ErrInvalidEndpoint, network, endpoint)
		}
	}

	if c.BlockConcurrency <= 0 {
		c.BlockConcurrency = 1
	}

	return nil
}
