package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidRequestSpan is returned when the maximum request span is zero
	ErrInvalidRequestSpan = errors.New("max request span must be positive")
	// ErrInvalidRate is returned for a negative request rate
	ErrInvalidRate = errors.New("requests per second must not be negative")
)

// Config contains fetch orchestration settings
type Config struct {
	Concurrency    int    `yaml:"concurrency" default:"8"`
	MaxRequestSpan uint64 `yaml:"maxRequestSpan" default:"2000"`
	// RequestsPerSecond caps upstream fetches across all requests; zero disables the limit
	RequestsPerSecond float64     `yaml:"requestsPerSecond" default:"0"`
	Burst             int64       `yaml:"burst" default:"1"`
	Retry             RetryPolicy `yaml:"retry"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.MaxRequestSpan == 0 {
		return ErrInvalidRequestSpan
	}

	if c.RequestsPerSecond < 0 {
		return ErrInvalidRate
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	return nil
}

// Option overrides Config for one Get call
type Option func(*Config)

// WithConcurrency bounds the number of concurrent fetches of one request
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithMaxRequestSpan bounds the block span of a single fetch
func WithMaxRequestSpan(span uint64) Option {
	return func(c *Config) {
		c.MaxRequestSpan = span
	}
}

// WithRetry replaces the retry policy
func WithRetry(p RetryPolicy) Option {
	return func(c *Config) {
		c.Retry = p
	}
}
