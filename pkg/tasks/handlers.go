package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Rechunker rebalances the chunks of one key
type Rechunker interface {
	Rechunk(ctx context.Context, key cachekey.Key, opts chunkstore.RechunkOptions) (*chunkstore.RechunkPlan, error)
}

// TaskHandler handles task execution
type TaskHandler struct {
	rechunker Rechunker
	log       logrus.FieldLogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(log logrus.FieldLogger, rechunker Rechunker) *TaskHandler {
	return &TaskHandler{
		rechunker: rechunker,
		log:       log.WithField("component", "task-handler"),
	}
}

// HandleRechunk handles rechunk tasks. Payload and option errors skip retries; an aborted
// rechunk is retried by asynq since the original chunks are intact.
func (h *TaskHandler) HandleRechunk(ctx context.Context, t *asynq.Task) error {
	var payload RechunkPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	if err := payload.Validate(); err != nil {
		observability.RecordError("task-handler", "invalid_payload")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	key, err := cachekey.Parse(payload.CacheKey)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := h.log.WithFields(logrus.Fields{
		"cache_key":    payload.CacheKey,
		"target_bytes": payload.TargetBytes,
		"dry_run":      payload.DryRun,
	})

	log.Info("Starting rechunk task")

	startTime := time.Now()

	plan, err := h.rechunker.Rechunk(ctx, key, chunkstore.RechunkOptions{
		TargetBytes: payload.TargetBytes,
		DryRun:      payload.DryRun,
		SplitFactor: payload.SplitFactor,
		Within:      payload.Within,
	})
	if err != nil {
		if errors.Is(err, chunkstore.ErrInvalidOptions) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}

		observability.RecordError("task-handler", "rechunk_error")

		return fmt.Errorf("rechunk %s: %w", payload.CacheKey, err)
	}

	log.WithFields(logrus.Fields{
		"merges":   plan.Merges(),
		"splits":   plan.Splits(),
		"applied":  plan.Applied,
		"duration": time.Since(startTime),
	}).Info("Rechunk task completed")

	return nil
}

// Routes returns the task handler routes for Asynq
func (h *TaskHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeRechunk: h.HandleRechunk,
	}
}
