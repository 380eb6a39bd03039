package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"sync/atomic"
	"time"

	"github.com/ethpandaops/chaincache/pkg/api"
	"github.com/ethpandaops/chaincache/pkg/api/handlers"
	"github.com/ethpandaops/chaincache/pkg/blob"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/ethpandaops/chaincache/pkg/ethrpc"
	"github.com/ethpandaops/chaincache/pkg/lock"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/orchestrator"
	rediscfg "github.com/ethpandaops/chaincache/pkg/redis"
	"github.com/ethpandaops/chaincache/pkg/scheduler"
	"github.com/ethpandaops/chaincache/pkg/schema"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/ethpandaops/chaincache/pkg/storage/redisstore"
	"github.com/ethpandaops/chaincache/pkg/storage/sqlstore"
	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/ethpandaops/chaincache/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotStarted is returned by accessors used before StartStorage
	ErrNotStarted = errors.New("engine storage is not started")
	// ErrNoFetchers is returned when no RPC endpoints are configured
	ErrNoFetchers = errors.New("no rpc endpoints configured")
	// ErrNoQueue is returned when task enqueueing is requested without a queue
	ErrNoQueue = errors.New("task queue is not configured")
)

// Service owns every chaincache component and their lifecycle
type Service struct {
	config *Config
	log    logrus.FieldLogger

	redisClient *redis.Client

	backend      storage.Backend
	blobs        blob.Store
	locker       lock.Locker
	coverage     *coverage.Index
	view         *coverage.View
	chunks       *chunkstore.Store
	guard        *schema.Guard
	orchestrator *orchestrator.Orchestrator
	fetchers     *ethrpc.Fetchers

	queue     *tasks.QueueManager
	scheduler scheduler.Service
	worker    worker.Service
	api       api.Service

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server

	ready atomic.Bool
}

// NewService validates cfg. Components are built by StartStorage and Start.
func NewService(log logrus.FieldLogger, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		log:    log.WithField("service", "engine"),
		config: cfg,
	}, nil
}

func (s *Service) storageNeedsRedis() bool {
	return s.config.Storage.Backend == StorageRedis ||
		s.config.Blob.Backend == blob.BackendRedis ||
		s.config.Lock.Backend == LockRedis
}

func (s *Service) connectRedis(ctx context.Context) error {
	if s.redisClient != nil {
		return nil
	}

	client, err := rediscfg.NewClient(ctx, &s.config.Redis)
	if err != nil {
		return err
	}

	s.redisClient = client

	return nil
}

// StartStorage builds and starts the cache core: row backend, blobs, locks, coverage, chunk
// store, schema guard and fetch orchestrator. It is all the one-shot CLI commands need.
func (s *Service) StartStorage(ctx context.Context) error {
	if s.orchestrator != nil {
		return nil
	}

	if s.storageNeedsRedis() {
		if err := s.connectRedis(ctx); err != nil {
			return err
		}
	}

	backend, err := s.newBackend()
	if err != nil {
		return err
	}

	if err := backend.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s storage: %w", s.config.Storage.Backend, err)
	}

	s.backend = backend

	var client redis.UniversalClient
	if s.redisClient != nil {
		client = s.redisClient
	}

	blobs, err := blob.New(s.log, s.config.Blob, client)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	s.blobs = blobs

	if s.config.Lock.Backend == LockRedis {
		s.locker = lock.NewRedis(s.log, s.redisClient, s.config.Lock.Redis)
	} else {
		s.locker = lock.NewLocal()
	}

	s.coverage = coverage.New(s.log, backend)
	s.chunks = chunkstore.New(s.log, backend, blobs, s.coverage, s.locker)

	guard, err := schema.New(s.log, backend, s.locker, s.config.DeclaredVersions(cachekey.DefaultVersions()))
	if err != nil {
		return fmt.Errorf("failed to create schema guard: %w", err)
	}

	s.guard = guard
	s.view = coverage.NewView(s.coverage, guard.IsStale)

	orch, err := orchestrator.New(s.log, s.config.Fetch, s.chunks, guard)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	s.orchestrator = orch

	if len(s.config.RPC.Endpoints) > 0 {
		fetchers, err := ethrpc.NewFetchers(s.log, &s.config.RPC)
		if err != nil {
			return fmt.Errorf("failed to create fetchers: %w", err)
		}

		s.fetchers = fetchers
	}

	s.log.WithFields(logrus.Fields{
		"storage": s.config.Storage.Backend,
		"blob":    s.config.Blob.Backend,
		"lock":    s.config.Lock.Backend,
	}).Info("Cache storage started")

	return nil
}

func (s *Service) newBackend() (storage.Backend, error) {
	switch s.config.Storage.Backend {
	case StorageRedis:
		return redisstore.New(s.log, s.redisClient, s.config.Storage.Redis), nil
	case StorageSQL:
		store, err := sqlstore.New(s.log, s.config.Storage.SQL)
		if err != nil {
			return nil, fmt.Errorf("failed to open sql storage: %w", err)
		}

		return store, nil
	default:
		return storage.NewMemory(), nil
	}
}

// Start starts the cache core plus the long-running services: metrics, health, pprof,
// worker, scheduler and API
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("Starting chaincache engine...")

	observability.StartMetricsServer(s.log, s.config.MetricsAddr)

	if s.config.HealthCheckAddr != "" {
		s.startHealthCheck()
	}

	if s.config.PProfAddr != "" {
		s.startPProf()
	}

	if err := s.StartStorage(ctx); err != nil {
		return err
	}

	if s.config.Worker.Enabled || s.config.Rechunk.Enabled {
		if err := s.startMaintenance(ctx); err != nil {
			return err
		}
	}

	var queue handlers.RechunkQueue
	if s.queue != nil {
		queue = s.queue
	}

	handler := handlers.NewServer(s.view, s.chunks, queue, handlers.RechunkDefaults{
		TargetBytes: s.config.Rechunk.TargetBytes,
		SplitFactor: s.config.Rechunk.SplitFactor,
	}, s.log)

	s.api = api.NewService(&s.config.API, handler, s.log)

	if err := s.api.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API service: %w", err)
	}

	s.ready.Store(true)

	s.log.Info("Chaincache engine started successfully")

	return nil
}

func (s *Service) startMaintenance(ctx context.Context) error {
	if err := s.connectRedis(ctx); err != nil {
		return err
	}

	opt, err := s.config.Redis.Options()
	if err != nil {
		return err
	}

	redisOpt := rediscfg.NewAsynqRedisOptions(opt)
	s.queue = tasks.NewQueueManager(redisOpt)

	if s.config.Worker.Enabled {
		w, err := worker.NewService(s.log, &s.config.Worker, redisOpt, tasks.NewTaskHandler(s.log, s.chunks))
		if err != nil {
			return fmt.Errorf("failed to create worker service: %w", err)
		}

		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}

		s.worker = w
	}

	if s.config.Rechunk.Enabled {
		sched, err := scheduler.NewService(s.log, &s.config.Rechunk, s.redisClient, s.queue)
		if err != nil {
			return fmt.Errorf("failed to create scheduler service: %w", err)
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		s.scheduler = sched
	}

	return nil
}

// Orchestrator returns the fetch orchestrator
func (s *Service) Orchestrator() (*orchestrator.Orchestrator, error) {
	if s.orchestrator == nil {
		return nil, ErrNotStarted
	}

	return s.orchestrator, nil
}

// Chunks returns the chunk store
func (s *Service) Chunks() (*chunkstore.Store, error) {
	if s.chunks == nil {
		return nil, ErrNotStarted
	}

	return s.chunks, nil
}

// Coverage returns the coverage index
func (s *Service) Coverage() (*coverage.Index, error) {
	if s.coverage == nil {
		return nil, ErrNotStarted
	}

	return s.coverage, nil
}

// CoverageView returns the coverage index as seen through the schema guard
func (s *Service) CoverageView() (*coverage.View, error) {
	if s.view == nil {
		return nil, ErrNotStarted
	}

	return s.view, nil
}

// Schema returns the schema guard
func (s *Service) Schema() (*schema.Guard, error) {
	if s.guard == nil {
		return nil, ErrNotStarted
	}

	return s.guard, nil
}

// Fetchers returns the RPC fetchers
func (s *Service) Fetchers() (*ethrpc.Fetchers, error) {
	if s.fetchers == nil {
		return nil, ErrNoFetchers
	}

	return s.fetchers, nil
}

// Queue returns a task queue, connecting to Redis on first use
func (s *Service) Queue(ctx context.Context) (*tasks.QueueManager, error) {
	if s.queue != nil {
		return s.queue, nil
	}

	if s.config.Redis.URL == "" {
		return nil, ErrNoQueue
	}

	if err := s.connectRedis(ctx); err != nil {
		return nil, err
	}

	opt, err := s.config.Redis.Options()
	if err != nil {
		return nil, err
	}

	s.queue = tasks.NewQueueManager(rediscfg.NewAsynqRedisOptions(opt))

	return s.queue, nil
}

// Stop gracefully shuts everything down
func (s *Service) Stop() error {
	s.log.Info("Shutting down chaincache engine...")

	s.ready.Store(false)

	// Create a timeout context for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Helper function to stop a service
	stopService := func(name string, stopFunc func() error) {
		if stopFunc == nil {
			return
		}
		if err := stopFunc(); err != nil {
			s.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	// 1. Stop scheduler first (stop creating new tasks)
	if s.scheduler != nil {
		stopService("scheduler service", s.scheduler.Stop)
	}

	// 2. Stop API (no new requests)
	if s.api != nil {
		stopService("API service", s.api.Stop)
	}

	// 3. Stop worker (finish in-flight rechunks)
	if s.worker != nil {
		stopService("worker service", s.worker.Stop)
	}

	if s.queue != nil {
		stopService("task queue", s.queue.Close)
	}

	if closer, ok := s.blobs.(interface{ Close() }); ok {
		closer.Close()
	}

	// 4. Close storage (critical - return error if fails)
	var storageErr error
	if s.backend != nil {
		if err := s.backend.Stop(); err != nil {
			s.log.WithError(err).Error("Failed to stop storage backend")
			storageErr = err
		}
	}

	// 5. Close Redis (now safe, nothing is using it)
	if s.redisClient != nil {
		stopService("Redis client", s.redisClient.Close)
	}

	// Stop HTTP servers
	stopService("metrics server", func() error { return observability.StopMetricsServer(ctx) })

	if s.healthServer != nil {
		stopService("health check server", func() error { return s.healthServer.Shutdown(ctx) })
	}
	if s.pprofServer != nil {
		stopService("pprof server", func() error { return s.pprofServer.Shutdown(ctx) })
	}

	return storageErr
}

func (s *Service) startHealthCheck() {
	s.log.WithField("addr", s.config.HealthCheckAddr).Info("Starting health check server")

	s.healthServer = &http.Server{
		Addr:              s.config.HealthCheckAddr,
		Handler:           s.healthMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (s *Service) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

func (s *Service) startPProf() {
	s.log.WithField("addr", s.config.PProfAddr).Info("Starting pprof server")

	s.pprofServer = &http.Server{
		Addr:              s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
