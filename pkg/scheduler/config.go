// Package scheduler periodically enqueues maintenance tasks for configured cache keys
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/chaincache/pkg/cachekey"
)

var (
	// ErrInvalidTargetBytes is returned when the rechunk target is not positive
	ErrInvalidTargetBytes = errors.New("target bytes must be positive")
	// ErrInvalidTickInterval is returned when the tick interval is not positive
	ErrInvalidTickInterval = errors.New("tick interval must be positive")
)

// Config defines scheduler configuration
type Config struct {
	Enabled  bool   `yaml:"enabled" default:"true"`
	Schedule string `yaml:"schedule" default:"@every 1h"`
	// Keys are canonical cache keys rechunked on every run
	Keys         []string      `yaml:"keys"`
	TargetBytes  int64         `yaml:"targetBytes" default:"8388608"`
	SplitFactor  float64       `yaml:"splitFactor" default:"2"`
	TickInterval time.Duration `yaml:"tickInterval" default:"1s"`
}

// Validate checks if the scheduler configuration is valid
func (c *Config) Validate() error {
	if _, err := parseScheduleInterval(c.Schedule); err != nil {
		return err
	}

	if c.TargetBytes <= 0 {
		return ErrInvalidTargetBytes
	}

	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}

	for _, k := range c.Keys {
		if _, err := cachekey.Parse(k); err != nil {
			return fmt.Errorf("scheduled key %q: %w", k, err)
		}
	}

	return nil
}
