// Package handlers implements the request handlers of the chaincache API.
package handlers

import (
	"context"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/gofiber/fiber/v3"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// CoverageReader is the read side of the coverage index. Stale reports a namespace whose
// stored rows are in an outdated format; its coverage reads as empty.
type CoverageReader interface {
	Stale(ctx context.Context, key cachekey.Key) (bool, error)
	Ranges(ctx context.Context, key cachekey.Key) (coverage.Record, error)
	GapsFor(ctx context.Context, key cachekey.Key, start, end uint64) ([]blockrange.Range, error)
}

// ChunkStore lists and rebalances chunks
type ChunkStore interface {
	Chunks(ctx context.Context, key cachekey.Key) ([]chunkstore.Chunk, error)
	Rechunk(ctx context.Context, key cachekey.Key, opts chunkstore.RechunkOptions) (*chunkstore.RechunkPlan, error)
}

// RechunkQueue hands rechunk work to the background worker
type RechunkQueue interface {
	EnqueueRechunk(payload tasks.RechunkPayload, trigger string, opts ...asynq.Option) (bool, error)
}

// RechunkDefaults fill in options a rechunk request leaves out
type RechunkDefaults struct {
	TargetBytes int64
	SplitFactor float64
}

// Server holds the dependencies of the API handlers
type Server struct {
	coverage CoverageReader
	chunks   ChunkStore
	queue    RechunkQueue
	defaults RechunkDefaults
	log      logrus.FieldLogger
}

// NewServer creates a new API server instance. With a nil queue, non dry-run rechunk
// requests are applied inline.
func NewServer(cov CoverageReader, chunks ChunkStore, queue RechunkQueue, defaults RechunkDefaults, log logrus.FieldLogger) *Server {
	return &Server{
		coverage: cov,
		chunks:   chunks,
		queue:    queue,
		defaults: defaults,
		log:      log.WithField("component", "api.handlers"),
	}
}

// Register mounts the handlers on router
func (s *Server) Register(router fiber.Router) {
	router.Get("/keys/:key/coverage", s.GetCoverage)
	router.Get("/keys/:key/gaps", s.GetGaps)
	router.Get("/keys/:key/chunks", s.ListChunks)
	router.Post("/keys/:key/rechunk", s.PostRechunk)
}

func keyParam(c fiber.Ctx) (cachekey.Key, error) {
	key, err := cachekey.Parse(c.Params("key"))
	if err != nil {
		return cachekey.Key{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return key, nil
}
