// Package worker runs the Asynq server that executes maintenance tasks
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface for the worker service
type Service interface {
	// Start initializes and starts the worker service
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker service
	Stop() error
}

// service encapsulates the worker application logic
type service struct {
	config   *Config
	log      logrus.FieldLogger
	redisOpt *asynq.RedisClientOpt
	handler  *tasks.TaskHandler

	server *asynq.Server
}

var _ Service = (*service)(nil)

// NewService creates a new worker service
func NewService(log logrus.FieldLogger, cfg *Config, redisOpt *asynq.RedisClientOpt, handler *tasks.TaskHandler) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		log:      log.WithField("service", "worker"),
		config:   cfg,
		redisOpt: redisOpt,
		handler:  handler,
	}, nil
}

func newMux(handler *tasks.TaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	return mux
}

// Start initializes and starts the worker service
func (s *service) Start(_ context.Context) error {
	srv := asynq.NewServer(*s.redisOpt, asynq.Config{
		Concurrency:     s.config.Concurrency,
		Queues:          map[string]int{tasks.QueueMaintenance: 1},
		ShutdownTimeout: time.Duration(s.config.ShutdownTimeout) * time.Second,
		Logger:          s.log.WithField("component", "asynq"),
	})

	// Start rather than Run: Run also waits for OS signals, which the caller owns.
	if err := srv.Start(newMux(s.handler)); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	s.server = srv

	s.log.WithField("concurrency", s.config.Concurrency).Info("Worker service started")

	return nil
}

// Stop gracefully shuts down the worker service
func (s *service) Stop() error {
	if s.server != nil {
		s.server.Shutdown()
	}

	s.log.Info("Worker service stopped")

	return nil
}
