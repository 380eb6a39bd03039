package handlers

import (
	"errors"
	"strconv"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// CoverageResponse is returned by GET /keys/:key/coverage
type CoverageResponse struct {
	Key      string             `json:"cache_key"`
	RowShape string             `json:"row_shape"`
	Ranges   []blockrange.Range `json:"ranges"`
	Blocks   uint64             `json:"blocks"`
}

// GapsResponse is returned by GET /keys/:key/gaps
type GapsResponse struct {
	Key     string             `json:"cache_key"`
	Request blockrange.Range   `json:"request"`
	Status  string             `json:"status"`
	Gaps    []blockrange.Range `json:"gaps"`
}

// ChunksResponse is returned by GET /keys/:key/chunks
type ChunksResponse struct {
	Key    string             `json:"cache_key"`
	Chunks []chunkstore.Chunk `json:"chunks"`
	Total  int                `json:"total"`
	Bytes  int64              `json:"bytes"`
}

// RechunkRequest is the body of POST /keys/:key/rechunk
type RechunkRequest struct {
	TargetBytes int64             `json:"target_bytes"`
	SplitFactor float64           `json:"split_factor"`
	DryRun      bool              `json:"dry_run"`
	Within      *blockrange.Range `json:"within"`
}

// EnqueueResponse is returned when a rechunk is handed to the worker
type EnqueueResponse struct {
	Key      string `json:"cache_key"`
	TaskID   string `json:"task_id"`
	Enqueued bool   `json:"enqueued"`
}

// GetCoverage handles GET /api/v1/keys/:key/coverage
func (s *Server) GetCoverage(c fiber.Ctx) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}

	rec, err := s.coverage.Ranges(c.Context(), key)
	if err != nil {
		return err
	}

	ranges := rec.Ranges
	if ranges == nil {
		ranges = []blockrange.Range{}
	}

	return c.Status(fiber.StatusOK).JSON(CoverageResponse{
		Key:      key.String(),
		RowShape: key.RowShape().String(),
		Ranges:   ranges,
		Blocks:   blockrange.Total(ranges),
	})
}

// GetGaps handles GET /api/v1/keys/:key/gaps?start=&end=
func (s *Server) GetGaps(c fiber.Ctx) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}

	start, errStart := strconv.ParseUint(c.Query("start"), 10, 64)
	end, errEnd := strconv.ParseUint(c.Query("end"), 10, 64)

	if errStart != nil || errEnd != nil || start > end {
		return ErrInvalidRange
	}

	gaps, err := s.coverage.GapsFor(c.Context(), key, start, end)
	if err != nil {
		if errors.Is(err, blockrange.ErrInvalidRange) {
			return ErrInvalidRange
		}

		return err
	}

	request := blockrange.Range{Start: start, End: end}
	status := coverage.StatusOf(request, gaps)

	if gaps == nil {
		gaps = []blockrange.Range{}
	}

	return c.Status(fiber.StatusOK).JSON(GapsResponse{
		Key:     key.String(),
		Request: request,
		Status:  status.String(),
		Gaps:    gaps,
	})
}

// ListChunks handles GET /api/v1/keys/:key/chunks
func (s *Server) ListChunks(c fiber.Ctx) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}

	stale, err := s.coverage.Stale(c.Context(), key)
	if err != nil {
		return err
	}

	var chunks []chunkstore.Chunk
	if !stale {
		chunks, err = s.chunks.Chunks(c.Context(), key)
		if err != nil {
			return err
		}
	}

	resp := ChunksResponse{
		Key:    key.String(),
		Chunks: chunks,
		Total:  len(chunks),
	}

	if resp.Chunks == nil {
		resp.Chunks = []chunkstore.Chunk{}
	}

	for _, ch := range chunks {
		resp.Bytes += ch.ByteSize
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// PostRechunk handles POST /api/v1/keys/:key/rechunk. A dry run returns the plan;
// otherwise the rechunk is queued for the worker, or applied inline when there is no queue.
func (s *Server) PostRechunk(c fiber.Ctx) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}

	var req RechunkRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return ErrInvalidBody
		}
	}

	if req.TargetBytes == 0 {
		req.TargetBytes = s.defaults.TargetBytes
	}

	if req.SplitFactor == 0 {
		req.SplitFactor = s.defaults.SplitFactor
	}

	log := s.log.WithFields(logrus.Fields{
		"cache_key":    key.String(),
		"target_bytes": req.TargetBytes,
		"dry_run":      req.DryRun,
	})

	if req.DryRun || s.queue == nil {
		plan, err := s.chunks.Rechunk(c.Context(), key, chunkstore.RechunkOptions{
			TargetBytes: req.TargetBytes,
			SplitFactor: req.SplitFactor,
			DryRun:      req.DryRun,
			Within:      req.Within,
		})
		if err != nil {
			if errors.Is(err, chunkstore.ErrInvalidOptions) || errors.Is(err, blockrange.ErrInvalidRange) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}

			return err
		}

		log.WithField("applied", plan.Applied).Info("Rechunk requested via API")

		return c.Status(fiber.StatusOK).JSON(plan)
	}

	payload := tasks.RechunkPayload{
		CacheKey:    key.String(),
		TargetBytes: req.TargetBytes,
		SplitFactor: req.SplitFactor,
		Within:      req.Within,
	}

	enqueued, err := s.queue.EnqueueRechunk(payload, tasks.TriggerAPI)
	if err != nil {
		if errors.Is(err, tasks.ErrInvalidPayload) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		return err
	}

	log.WithField("enqueued", enqueued).Info("Rechunk queued via API")

	return c.Status(fiber.StatusAccepted).JSON(EnqueueResponse{
		Key:      key.String(),
		TaskID:   payload.UniqueID(),
		Enqueued: enqueued,
	})
}
