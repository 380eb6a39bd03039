package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/sirupsen/logrus"
)

// DefaultSplitFactor is how far past the target a chunk may grow before it is split
const DefaultSplitFactor = 2.0

// RechunkOptions controls a rechunk run
type RechunkOptions struct {
	// TargetBytes is the size merged chunks may reach
	TargetBytes int64
	// DryRun returns the plan without touching storage
	DryRun bool
	// SplitFactor splits chunks larger than TargetBytes*SplitFactor. Zero means
	// DefaultSplitFactor.
	SplitFactor float64
	// Within restricts the run to chunks lying entirely inside this range
	Within *blockrange.Range
}

func (o *RechunkOptions) validate() error {
	if o.TargetBytes <= 0 {
		return fmt.Errorf("%w: target bytes must be positive", ErrInvalidOptions)
	}

	if o.SplitFactor == 0 {
		o.SplitFactor = DefaultSplitFactor
	}

	if o.SplitFactor < 1 || math.IsNaN(o.SplitFactor) || math.IsInf(o.SplitFactor, 0) {
		return fmt.Errorf("%w: split factor %v must be at least 1", ErrInvalidOptions, o.SplitFactor)
	}

	if o.Within != nil {
		if err := o.Within.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Action is what rechunk does with a group of chunks
type Action string

// Rechunk actions
const (
	ActionKeep  Action = "keep"
	ActionMerge Action = "merge"
	ActionSplit Action = "split"
)

// PlannedChunk is an output chunk of a plan
type PlannedChunk struct {
	Range          blockrange.Range `json:"range"`
	EstimatedBytes int64            `json:"estimated_bytes"`
}

// PlanGroup maps consecutive input chunks to their replacement
type PlanGroup struct {
	Action  Action         `json:"action"`
	Inputs  []Chunk        `json:"inputs"`
	Outputs []PlannedChunk `json:"outputs"`
}

// RechunkPlan describes a rechunk run
type RechunkPlan struct {
	Key         string      `json:"cache_key"`
	TargetBytes int64       `json:"target_bytes"`
	SplitFactor float64     `json:"split_factor"`
	DryRun      bool        `json:"dry_run"`
	Applied     bool        `json:"applied"`
	Groups      []PlanGroup `json:"groups"`
}

func (p *RechunkPlan) count(action Action) int {
	n := 0
	for _, g := range p.Groups {
		if g.Action == action {
			n++
		}
	}

	return n
}

// Merges returns the number of merge groups
func (p *RechunkPlan) Merges() int {
	return p.count(ActionMerge)
}

// Splits returns the number of split groups
func (p *RechunkPlan) Splits() int {
	return p.count(ActionSplit)
}

// Changed reports whether applying the plan alters the layout
func (p *RechunkPlan) Changed() bool {
	return p.Merges()+p.Splits() > 0
}

// ChunksAfter returns the number of chunks the plan leaves behind
func (p *RechunkPlan) ChunksAfter() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Outputs)
	}

	return n
}

// BuildPlan groups sorted chunks of one key. Consecutive contiguous chunks are merged
// greedily while their summed size stays within target; a chunk larger than
// target*splitFactor is split into ceil(size/target) pieces, at most one per block, whose
// block spans differ by at most one.
func BuildPlan(chunks []Chunk, target int64, splitFactor float64) []PlanGroup {
	groups := make([]PlanGroup, 0)
	threshold := float64(target) * splitFactor

	var (
		pending []Chunk
		sum     int64
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}

		groups = append(groups, mergeGroup(pending, sum))
		pending, sum = nil, 0
	}

	for _, c := range chunks {
		if float64(c.ByteSize) > threshold {
			flush()
			groups = append(groups, splitGroup(c, target))

			continue
		}

		if len(pending) > 0 {
			last := pending[len(pending)-1].Range
			contiguous := last.End != math.MaxUint64 && last.End+1 == c.Range.Start

			if !contiguous || sum+c.ByteSize > target {
				flush()
			}
		}

		pending = append(pending, c)
		sum += c.ByteSize
	}

	flush()

	return groups
}

func keepGroup(c Chunk) PlanGroup {
	return PlanGroup{
		Action:  ActionKeep,
		Inputs:  []Chunk{c},
		Outputs: []PlannedChunk{{Range: c.Range, EstimatedBytes: c.ByteSize}},
	}
}

func mergeGroup(chunks []Chunk, sum int64) PlanGroup {
	if len(chunks) == 1 {
		return keepGroup(chunks[0])
	}

	return PlanGroup{
		Action: ActionMerge,
		Inputs: slices.Clone(chunks),
		Outputs: []PlannedChunk{{
			Range:          blockrange.Range{Start: chunks[0].Range.Start, End: chunks[len(chunks)-1].Range.End},
			EstimatedBytes: sum,
		}},
	}
}

func splitGroup(c Chunk, target int64) PlanGroup {
	pieces := uint64((c.ByteSize + target - 1) / target) //nolint:gosec // both operands are positive
	span := c.Range.Len()

	if span == 0 {
		// The range covers every uint64 block; Len wrapped.
		span = math.MaxUint64
	}

	ranges := splitEven(c.Range, span, pieces)
	if len(ranges) < 2 {
		return keepGroup(c)
	}

	outputs := make([]PlannedChunk, 0, len(ranges))
	for _, r := range ranges {
		est := int64(float64(c.ByteSize) * float64(r.Len()) / float64(span))
		outputs = append(outputs, PlannedChunk{Range: r, EstimatedBytes: est})
	}

	return PlanGroup{Action: ActionSplit, Inputs: []Chunk{c}, Outputs: outputs}
}

// splitEven cuts r, span blocks long, into min(n, span) contiguous ranges whose lengths
// differ by at most one block. Longer ranges come first.
func splitEven(r blockrange.Range, span, n uint64) []blockrange.Range {
	n = min(n, span)
	if n == 0 {
		return nil
	}

	base, rem := span/n, span%n
	out := make([]blockrange.Range, 0, n)
	start := r.Start

	for i := range n {
		width := base
		if i < rem {
			width++
		}

		end := start + width - 1
		if i == n-1 {
			end = r.End
		}

		out = append(out, blockrange.Range{Start: start, End: end})
		start = end + 1
	}

	return out
}

// Rechunk rebalances the chunks of key toward opts.TargetBytes. It holds the key lock for
// its whole run, writes every new chunk before swapping metadata in one transaction, and
// deletes the replaced payloads only after the swap. Any failure before the swap leaves
// the original layout untouched and is reported as ErrRechunkAbort.
func (s *Store) Rechunk(ctx context.Context, key cachekey.Key, opts RechunkOptions) (*RechunkPlan, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"cache_key":    key.String(),
		"target_bytes": opts.TargetBytes,
		"dry_run":      opts.DryRun,
	})

	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	chunks, err := s.chunksIn(ctx, key, opts.Within)
	if err != nil {
		return nil, err
	}

	if opts.Within != nil {
		chunks = slices.DeleteFunc(chunks, func(c Chunk) bool {
			return !opts.Within.ContainsRange(c.Range)
		})
	}

	plan := &RechunkPlan{
		Key:         key.String(),
		TargetBytes: opts.TargetBytes,
		SplitFactor: opts.SplitFactor,
		DryRun:      opts.DryRun,
		Groups:      BuildPlan(chunks, opts.TargetBytes, opts.SplitFactor),
	}

	switch {
	case opts.DryRun:
		observability.RecordRechunk(key.Namespace(), "dry_run", 0, 0)
		log.WithFields(logrus.Fields{"merges": plan.Merges(), "splits": plan.Splits()}).Info("Planned rechunk")

		return plan, nil
	case !plan.Changed():
		observability.RecordRechunk(key.Namespace(), "noop", 0, 0)
		log.Debug("Chunks already balanced")

		return plan, nil
	}

	if err := s.apply(ctx, key, plan); err != nil {
		observability.RecordRechunk(key.Namespace(), "aborted", 0, 0)
		observability.RecordError("chunkstore", "rechunk_abort")
		log.WithError(err).Error("Rechunk aborted")

		return plan, fmt.Errorf("%w: %s: %w", ErrRechunkAbort, key, err)
	}

	plan.Applied = true

	observability.RecordRechunk(key.Namespace(), "applied", plan.Merges(), plan.Splits())
	log.WithFields(logrus.Fields{
		"merges":        plan.Merges(),
		"splits":        plan.Splits(),
		"chunks_before": len(chunks),
		"chunks_after":  plan.ChunksAfter(),
	}).Info("Rechunk applied")

	return plan, nil
}

type builtGroup struct {
	inputs  []Chunk
	outputs []Chunk
}

func (s *Store) apply(ctx context.Context, key cachekey.Key, plan *RechunkPlan) error {
	built := make([]builtGroup, 0, len(plan.Groups))
	written := make([]Chunk, 0)

	abort := func(err error) error {
		s.deleteBlobs(written)
		return err
	}

	for _, g := range plan.Groups {
		if g.Action == ActionKeep {
			continue
		}

		outputs, payloads, err := s.buildGroup(ctx, key, g)
		if err != nil {
			return abort(err)
		}

		for i, c := range outputs {
			if err := s.blobs.Put(ctx, c.ID, payloads[i]); err != nil {
				return abort(fmt.Errorf("store rechunked payload %s: %w", c.ID, err))
			}

			written = append(written, c)
		}

		built = append(built, builtGroup{inputs: g.Inputs, outputs: outputs})
	}

	now := s.now()

	err := s.backend.Update(ctx, func(tx storage.Tx) error {
		for _, b := range built {
			ids := make([]string, 0, len(b.inputs))
			for _, c := range b.inputs {
				ids = append(ids, c.ID)
			}

			pred := storage.Predicate{Key: key.String(), ChunkIDs: ids}

			n, err := tx.Delete(storage.TableChunks, pred)
			if err != nil {
				return fmt.Errorf("delete replaced chunks: %w", err)
			}

			if n != len(ids) {
				return fmt.Errorf("expected %d chunks to replace, found %d", len(ids), n)
			}

			for _, c := range b.outputs {
				if err := tx.Insert(storage.TableChunks, c.row(now)); err != nil {
					return fmt.Errorf("insert rechunked chunk %s: %w", c.ID, err)
				}
			}
		}

		return s.coverage.VerifyTx(tx, key)
	})
	if err != nil {
		return abort(err)
	}

	for _, b := range built {
		s.deleteBlobs(b.inputs)

		for _, c := range b.outputs {
			observability.RecordChunkWritten(key.Namespace(), sourceRechunk, c.ByteSize)
		}
	}

	return nil
}

// buildGroup loads the inputs of g, cuts them into the planned outputs and verifies that
// the outputs cover the same blocks with byte-identical content
func (s *Store) buildGroup(ctx context.Context, key cachekey.Key, g PlanGroup) ([]Chunk, [][]byte, error) {
	raw := make([][]byte, 0, len(g.Inputs))
	joined := make(Payload, 0)

	for _, c := range g.Inputs {
		data, err := s.blobs.Get(ctx, c.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("load chunk %s: %w", c.ID, err)
		}

		p, err := DecodePayload(data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode chunk %s: %w", c.ID, err)
		}

		if err := p.Validate(c.Range); err != nil {
			return nil, nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}

		raw = append(raw, data)
		joined = append(joined, p...)
	}

	outputs := make([]Chunk, 0, len(g.Outputs))
	payloads := make([][]byte, 0, len(g.Outputs))

	for _, o := range g.Outputs {
		data := joined.Trim(o.Range).Encode()
		outputs = append(outputs, Chunk{ID: s.newID(), Key: key.String(), Range: o.Range, ByteSize: int64(len(data))})
		payloads = append(payloads, data)
	}

	if err := verifyGroup(g.Inputs, outputs, raw, payloads); err != nil {
		return nil, nil, err
	}

	return outputs, payloads, nil
}

var (
	errOutputsOverlap = errors.New("rechunk outputs overlap")
	errUnionChanged   = errors.New("rechunk changed covered blocks")
	errContentChanged = errors.New("rechunk changed payload content")
)

func verifyGroup(inputs, outputs []Chunk, inRaw, outRaw [][]byte) error {
	spans := func(cs []Chunk) []blockrange.Range {
		out := make([]blockrange.Range, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.Range)
		}

		return out
	}

	before, err := blockrange.Merge(spans(inputs), true)
	if err != nil {
		return err
	}

	after, err := blockrange.Merge(spans(outputs), false)
	if err != nil {
		return err
	}

	// Outputs must tile without overlap: merged without contiguity they stay separate,
	// merged with contiguity they collapse to the input union.
	if len(after) != len(outputs) {
		return errOutputsOverlap
	}

	afterUnion, err := blockrange.Merge(after, true)
	if err != nil {
		return err
	}

	if !slices.Equal(before, afterUnion) {
		return fmt.Errorf("%w: %v became %v", errUnionChanged, before, afterUnion)
	}

	if !bytes.Equal(concat(inRaw), concat(outRaw)) {
		return errContentChanged
	}

	return nil
}
