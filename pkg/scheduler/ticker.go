package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// rechunkQueue is the part of tasks.QueueManager the ticker uses
type rechunkQueue interface {
	EnqueueRechunk(payload tasks.RechunkPayload, trigger string, opts ...asynq.Option) (bool, error)
}

// scheduledTask is one key rechunked on an interval
type scheduledTask struct {
	ID       string
	Interval time.Duration
	Payload  tasks.RechunkPayload
	nextRun  *time.Time
}

// ticker enqueues due tasks while this instance holds leadership
type ticker struct {
	log      logrus.FieldLogger
	tracker  scheduleTracker
	queue    rechunkQueue
	isLeader func() bool
	interval time.Duration

	mu    sync.Mutex
	tasks []scheduledTask
	now   func() time.Time
}

func newTicker(
	log logrus.FieldLogger,
	tracker scheduleTracker,
	queue rechunkQueue,
	isLeader func() bool,
	interval time.Duration,
	scheduled []scheduledTask,
) *ticker {
	return &ticker{
		log:      log.WithField("component", "ticker"),
		tracker:  tracker,
		queue:    queue,
		isLeader: isLeader,
		interval: interval,
		tasks:    scheduled,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// buildTasks turns the configured keys into scheduled rechunk tasks
func buildTasks(cfg *Config) ([]scheduledTask, error) {
	interval, err := parseScheduleInterval(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	scheduled := make([]scheduledTask, 0, len(cfg.Keys))

	for _, key := range cfg.Keys {
		payload := tasks.RechunkPayload{
			CacheKey:    key,
			TargetBytes: cfg.TargetBytes,
			SplitFactor: cfg.SplitFactor,
		}

		if err := payload.Validate(); err != nil {
			return nil, err
		}

		scheduled = append(scheduled, scheduledTask{
			ID:       payload.UniqueID(),
			Interval: interval,
			Payload:  payload,
		})
	}

	return scheduled, nil
}

// Run checks schedules on every tick until ctx is done
func (t *ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.checkSchedules(ctx)
		}
	}
}

func (t *ticker) checkSchedules(ctx context.Context) {
	if !t.isLeader() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	for i := range t.tasks {
		task := &t.tasks[i]

		// Skip the Redis round trip while the cached next run is in the future.
		if task.nextRun != nil && now.Before(*task.nextRun) {
			continue
		}

		lastRun, err := t.tracker.GetLastRun(ctx, task.ID)
		if err != nil {
			t.log.WithError(err).WithField("task_id", task.ID).Warn("Failed to get last run, will retry next tick")
			continue
		}

		nextRun := lastRun.Add(task.Interval)
		task.nextRun = &nextRun

		if now.Before(nextRun) {
			continue
		}

		payload := task.Payload
		payload.EnqueuedAt = now

		enqueued, err := t.queue.EnqueueRechunk(payload, tasks.TriggerSchedule)
		if err != nil {
			t.log.WithError(err).WithField("task_id", task.ID).Error("Failed to enqueue task")
			continue
		}

		if !enqueued {
			t.log.WithField("task_id", task.ID).Debug("Task already queued, skipping")
		} else {
			t.log.WithFields(logrus.Fields{
				"task_id":     task.ID,
				"enqueued_at": now,
			}).Info("Enqueued scheduled task")
		}

		if err := t.tracker.SetLastRun(ctx, task.ID, now); err != nil {
			t.log.WithError(err).WithField("task_id", task.ID).Error("Failed to update last run timestamp")
		}

		updated := now.Add(task.Interval)
		task.nextRun = &updated
	}
}

// prune removes tracked timestamps of tasks no longer configured
func (t *ticker) prune(ctx context.Context) error {
	tracked, err := t.tracker.GetAllTaskIDs(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	configured := make(map[string]struct{}, len(t.tasks))
	for _, task := range t.tasks {
		configured[task.ID] = struct{}{}
	}
	t.mu.Unlock()

	for _, id := range tracked {
		if _, ok := configured[id]; ok {
			continue
		}

		if err := t.tracker.DeleteLastRun(ctx, id); err != nil {
			return err
		}

		t.log.WithField("task_id", id).Info("Pruned stale schedule")
	}

	return nil
}

// parseScheduleInterval converts a cron schedule string to a duration.
// For "@every" the duration is taken verbatim; other expressions use the gap
// between their next two activations.
func parseScheduleInterval(schedule string) (time.Duration, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule format: %w", err)
	}

	if every, ok := strings.CutPrefix(schedule, "@every "); ok {
		duration, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil {
			return 0, fmt.Errorf("failed to parse @every duration: %w", err)
		}

		return duration, nil
	}

	next1 := sched.Next(time.Now())
	next2 := sched.Next(next1)

	return next2.Sub(next1), nil
}
