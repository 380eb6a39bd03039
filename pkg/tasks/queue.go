package tasks

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/hibiken/asynq"
)

// Enqueuer is the part of asynq.Client the queue manager uses
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueManager manages task queuing
type QueueManager struct {
	client Enqueuer
}

// NewQueueManager creates a new queue manager
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return NewQueueManagerWithClient(asynq.NewClient(*redisOpt))
}

// NewQueueManagerWithClient creates a queue manager on an existing client
func NewQueueManagerWithClient(client Enqueuer) *QueueManager {
	return &QueueManager{client: client}
}

// EnqueueRechunk enqueues a rechunk task. It returns false when a rechunk of the same
// key is already queued or running.
func (q *QueueManager) EnqueueRechunk(payload RechunkPayload, trigger string, opts ...asynq.Option) (bool, error) {
	if err := payload.Validate(); err != nil {
		return false, err
	}

	if payload.EnqueuedAt.IsZero() {
		payload.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	task := asynq.NewTask(TypeRechunk, data)

	// Default options
	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(payload.QueueName()),
		asynq.MaxRetry(3),
		asynq.Timeout(30 * time.Minute),
		asynq.Retention(time.Hour),
	}

	allOpts := defaultOpts
	allOpts = append(allOpts, opts...)

	if _, err := q.client.Enqueue(task, allOpts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return false, nil
		}

		return false, err
	}

	observability.RecordTaskEnqueued(TypeRechunk, trigger)

	return true, nil
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	return q.client.Close()
}
