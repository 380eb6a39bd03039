// Package tasks provides maintenance task queueing using Asynq
package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
)

const (
	// TypeRechunk is the task type for rechunking one cache key
	TypeRechunk = "cache:rechunk"
	// QueueMaintenance is the queue maintenance tasks run on
	QueueMaintenance = "maintenance"
)

// Enqueue triggers recorded in metrics
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
)

var (
	// ErrInvalidPayload is returned for task payloads that cannot be executed
	ErrInvalidPayload = errors.New("invalid task payload")
)

// RechunkPayload is the payload of a rechunk task
type RechunkPayload struct {
	CacheKey    string            `json:"cache_key"`
	TargetBytes int64             `json:"target_bytes"`
	SplitFactor float64           `json:"split_factor,omitempty"`
	DryRun      bool              `json:"dry_run"`
	Within      *blockrange.Range `json:"within,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// UniqueID returns the task ID; one rechunk per key may be queued at a time
func (p RechunkPayload) UniqueID() string {
	return "rechunk:" + p.CacheKey
}

// QueueName returns the queue name for this task payload
func (p RechunkPayload) QueueName() string {
	return QueueMaintenance
}

// Validate checks that the payload names a valid key and target
func (p RechunkPayload) Validate() error {
	if _, err := cachekey.Parse(p.CacheKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if p.TargetBytes <= 0 {
		return fmt.Errorf("%w: target bytes must be positive", ErrInvalidPayload)
	}

	if p.Within != nil {
		if err := p.Within.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	return nil
}
