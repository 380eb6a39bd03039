package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface for the scheduler
type Service interface {
	// Start joins leader election and begins checking schedules
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler service
	Stop() error
}

type service struct {
	log     logrus.FieldLogger
	config  *Config
	elector LeaderElector
	ticker  *ticker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Service = (*service)(nil)

// NewService creates a scheduler that rechunks cfg.Keys on cfg.Schedule. Every instance
// participates in election; only the leader enqueues.
func NewService(log logrus.FieldLogger, cfg *Config, client redis.UniversalClient, queue rechunkQueue) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	scheduled, err := buildTasks(cfg)
	if err != nil {
		return nil, err
	}

	log = log.WithField("service", "scheduler")
	elector := NewLeaderElector(log, client)

	return &service{
		log:     log,
		config:  cfg,
		elector: elector,
		ticker:  newTicker(log, newScheduleTracker(log, client), queue, elector.IsLeader, cfg.TickInterval, scheduled),
	}, nil
}

// Start initializes and starts the scheduler service
func (s *service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.ticker.prune(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to prune stale schedules")
	}

	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.ticker.Run(ctx)
	}()

	s.log.WithFields(logrus.Fields{
		"schedule": s.config.Schedule,
		"keys":     len(s.config.Keys),
	}).Info("Scheduler service started (participating in leader election)")

	return nil
}

// Stop gracefully shuts down the scheduler service
func (s *service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()

	if err := s.elector.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop leader elector")
	}

	s.log.Info("Scheduler service stopped successfully")

	return nil
}
