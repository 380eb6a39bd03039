package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Full key pattern: chaincache:scheduler:task:{taskID}
// Example: chaincache:scheduler:task:rechunk:balance:mainnet:0xabc...
const scheduleKeyPrefix = "chaincache:scheduler:task:"

// scheduleTracker manages execution timestamps for scheduled tasks in Redis
type scheduleTracker interface {
	// GetLastRun returns zero time if the task has never run
	GetLastRun(ctx context.Context, taskID string) (time.Time, error)

	// SetLastRun persists the timestamp with no TTL
	SetLastRun(ctx context.Context, taskID string, timestamp time.Time) error

	// DeleteLastRun removes the timestamp of a task dropped from config
	DeleteLastRun(ctx context.Context, taskID string) error

	// GetAllTaskIDs returns all task IDs currently tracked in Redis
	GetAllTaskIDs(ctx context.Context) ([]string, error)
}

type redisScheduleTracker struct {
	log    logrus.FieldLogger
	redis  redis.UniversalClient
	prefix string
}

// newScheduleTracker creates a Redis-backed schedule tracker. The client is shared
// and is not closed by the tracker.
func newScheduleTracker(log logrus.FieldLogger, client redis.UniversalClient) *redisScheduleTracker {
	return &redisScheduleTracker{
		log:    log.WithField("component", "schedule_tracker"),
		redis:  client,
		prefix: scheduleKeyPrefix,
	}
}

func (r *redisScheduleTracker) GetLastRun(ctx context.Context, taskID string) (time.Time, error) {
	val, err := r.redis.Get(ctx, r.prefix+taskID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("failed to get last run for task %s: %w", taskID, err)
	}

	timestamp, err := time.Parse(time.RFC3339, val)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"task_id":   taskID,
			"raw_value": val,
		}).Error("Failed to parse timestamp")

		return time.Time{}, fmt.Errorf("failed to parse timestamp for task %s: %w", taskID, err)
	}

	return timestamp, nil
}

func (r *redisScheduleTracker) SetLastRun(ctx context.Context, taskID string, timestamp time.Time) error {
	if err := r.redis.Set(ctx, r.prefix+taskID, timestamp.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last run for task %s: %w", taskID, err)
	}

	r.log.WithFields(logrus.Fields{
		"task_id":   taskID,
		"timestamp": timestamp,
	}).Debug("Updated last run for task")

	return nil
}

func (r *redisScheduleTracker) DeleteLastRun(ctx context.Context, taskID string) error {
	if err := r.redis.Del(ctx, r.prefix+taskID).Err(); err != nil {
		return fmt.Errorf("failed to delete last run for task %s: %w", taskID, err)
	}

	r.log.WithField("task_id", taskID).Debug("Deleted last run for task")

	return nil
}

func (r *redisScheduleTracker) GetAllTaskIDs(ctx context.Context) ([]string, error) {
	// SCAN rather than KEYS; the count is a per-iteration hint.
	const scanBatchSize = 100

	var taskIDs []string

	iter := r.redis.Scan(ctx, 0, r.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		taskIDs = append(taskIDs, iter.Val()[len(r.prefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan task IDs: %w", err)
	}

	return taskIDs, nil
}

var _ scheduleTracker = (*redisScheduleTracker)(nil)
