package worker

import (
	"errors"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidShutdownTimeout is returned when the shutdown timeout is negative
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must not be negative")
)

// Config contains worker-specific settings
type Config struct {
	Enabled         bool `yaml:"enabled" default:"true"`
	Concurrency     int  `yaml:"concurrency" default:"2"`
	ShutdownTimeout int  `yaml:"shutdownTimeout" default:"30"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.ShutdownTimeout < 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}
