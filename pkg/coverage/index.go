// Package coverage tracks, per cache key, which block ranges have been fetched and
// persisted, and answers which parts of a request are still missing.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCoverageCorruption is returned when stored coverage violates the normal form
	// (sorted, disjoint, non-adjacent). It is never retried.
	ErrCoverageCorruption = errors.New("coverage corruption")
)

// Status describes how much of a range is covered
type Status int

// Coverage states
const (
	None Status = iota
	Partial
	Full
)

func (s Status) String() string {
	switch s {
	case Full:
		return "full"
	case Partial:
		return "partial"
	default:
		return "none"
	}
}

// Record is the normalized coverage of one key
type Record struct {
	Key    cachekey.Key       `json:"-"`
	Ranges []blockrange.Range `json:"ranges"`
}

// Index reads and mutates coverage rows. Range-shaped keys keep one row per covered range
// in the coverage table; point-shaped keys keep one row per covered block in the
// coverage_points table. Both present the same normalized view.
type Index struct {
	log     logrus.FieldLogger
	backend storage.Backend
	now     func() time.Time
}

// New creates a coverage index on backend
func New(log logrus.FieldLogger, backend storage.Backend) *Index {
	return &Index{
		log:     log.WithField("component", "coverage"),
		backend: backend,
		now:     time.Now,
	}
}

// Backend returns the storage backend the index runs on
func (i *Index) Backend() storage.Backend {
	return i.backend
}

func tableFor(shape cachekey.RowShape) storage.Table {
	if shape == cachekey.ShapePoints {
		return storage.TableCoveragePoints
	}

	return storage.TableCoverage
}

// InsertCovered records r as covered for key, merging it with touching ranges
func (i *Index) InsertCovered(ctx context.Context, key cachekey.Key, r blockrange.Range) error {
	if err := r.Validate(); err != nil {
		return err
	}

	return i.backend.Update(ctx, func(tx storage.Tx) error {
		return i.InsertCoveredTx(tx, key, r)
	})
}

// InsertCoveredTx is InsertCovered inside a caller-owned transaction
func (i *Index) InsertCoveredTx(tx storage.Tx, key cachekey.Key, r blockrange.Range) error {
	if err := r.Validate(); err != nil {
		return err
	}

	if key.RowShape() == cachekey.ShapePoints {
		return i.insertPoints(tx, key, r)
	}

	// Every row that overlaps or touches r lies inside the expanded window.
	window := storage.Overlapping(key.String(), r.Expand())

	rows, err := tx.Select(storage.TableCoverage, window)
	if err != nil {
		return fmt.Errorf("select coverage of %s: %w", key, err)
	}

	spans := make([]blockrange.Range, 0, len(rows)+1)
	for _, row := range rows {
		spans = append(spans, row.Range())
	}

	if err := blockrange.CheckNormalized(spans); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCoverageCorruption, key, err)
	}

	merged, err := blockrange.Merge(append(spans, r), true)
	if err != nil {
		return err
	}

	if len(rows) > 0 {
		if _, err := tx.Delete(storage.TableCoverage, window); err != nil {
			return fmt.Errorf("delete coverage of %s: %w", key, err)
		}
	}

	for _, m := range merged {
		if err := tx.Insert(storage.TableCoverage, storage.Row{
			Key:       key.String(),
			Start:     m.Start,
			End:       m.End,
			UpdatedAt: i.now().UTC(),
		}); err != nil {
			return fmt.Errorf("insert coverage of %s: %w", key, err)
		}
	}

	return nil
}

func (i *Index) insertPoints(tx storage.Tx, key cachekey.Key, r blockrange.Range) error {
	now := i.now().UTC()

	for b := r.Start; ; b++ {
		if err := tx.Insert(storage.TableCoveragePoints, storage.Row{
			Key:       key.String(),
			Start:     b,
			End:       b,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert coverage point of %s: %w", key, err)
		}

		if b == r.End {
			return nil
		}
	}
}

// RangesTx returns the normalized coverage of key, restricted to ranges overlapping window
// when window is set. Ranges are returned whole, not clipped to window.
func (i *Index) RangesTx(tx storage.Tx, key cachekey.Key, window *blockrange.Range) ([]blockrange.Range, error) {
	pred := storage.Predicate{Key: key.String(), Window: window}
	shape := key.RowShape()

	rows, err := tx.Select(tableFor(shape), pred)
	if err != nil {
		return nil, fmt.Errorf("select coverage of %s: %w", key, err)
	}

	if shape == cachekey.ShapePoints {
		blocks := make([]uint64, 0, len(rows))
		for _, row := range rows {
			if row.Start != row.End {
				return nil, fmt.Errorf("%w: %s: point row spans %s", ErrCoverageCorruption, key, row.Range())
			}

			blocks = append(blocks, row.Start)
		}

		return nonNil(blockrange.FromPoints(blocks)), nil
	}

	spans := make([]blockrange.Range, 0, len(rows))
	for _, row := range rows {
		spans = append(spans, row.Range())
	}

	if err := blockrange.CheckNormalized(spans); err != nil {
		i.log.WithFields(logrus.Fields{
			"cache_key": key.String(),
			"ranges":    len(spans),
		}).WithError(err).Error("Stored coverage is not normalized")

		return nil, fmt.Errorf("%w: %s: %w", ErrCoverageCorruption, key, err)
	}

	return spans, nil
}

func nonNil(ranges []blockrange.Range) []blockrange.Range {
	if ranges == nil {
		return []blockrange.Range{}
	}

	return ranges
}

// VerifyTx checks the whole record of key for corruption
func (i *Index) VerifyTx(tx storage.Tx, key cachekey.Key) error {
	_, err := i.RangesTx(tx, key, nil)
	return err
}

// Ranges returns the full normalized record of key
func (i *Index) Ranges(ctx context.Context, key cachekey.Key) (Record, error) {
	rec := Record{Key: key}

	err := i.backend.View(ctx, func(tx storage.Tx) error {
		var err error
		rec.Ranges, err = i.RangesTx(tx, key, nil)

		return err
	})

	return rec, err
}

// GapsTx returns the uncovered sub-ranges of request inside a caller-owned transaction
func (i *Index) GapsTx(tx storage.Tx, key cachekey.Key, request blockrange.Range) ([]blockrange.Range, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	covered, err := i.RangesTx(tx, key, &request)
	if err != nil {
		return nil, err
	}

	return blockrange.Gap(covered, request)
}

// GapsFor returns the sorted, disjoint sub-ranges of [start, end] not yet covered for key.
// An empty result means the request is fully covered.
func (i *Index) GapsFor(ctx context.Context, key cachekey.Key, start, end uint64) ([]blockrange.Range, error) {
	request, err := blockrange.New(start, end)
	if err != nil {
		return nil, err
	}

	var gaps []blockrange.Range

	err = i.backend.View(ctx, func(tx storage.Tx) error {
		var err error
		gaps, err = i.GapsTx(tx, key, request)

		return err
	})
	if err != nil {
		return nil, err
	}

	return gaps, nil
}

// IsCovered classifies how much of r is covered for key
func (i *Index) IsCovered(ctx context.Context, key cachekey.Key, r blockrange.Range) (Status, error) {
	gaps, err := i.GapsFor(ctx, key, r.Start, r.End)
	if err != nil {
		return None, err
	}

	return StatusOf(r, gaps), nil
}

// StatusOf classifies request given its gaps
func StatusOf(request blockrange.Range, gaps []blockrange.Range) Status {
	switch {
	case len(gaps) == 0:
		return Full
	case len(gaps) == 1 && gaps[0] == request:
		return None
	default:
		return Partial
	}
}

// ResetTx drops every coverage row of every key in namespace
func (i *Index) ResetTx(tx storage.Tx, namespace string) (int, error) {
	pred := storage.Predicate{KeyPrefix: cachekey.NamespacePrefix(namespace)}

	n, err := tx.Delete(tableFor(cachekey.ShapeFor(namespace)), pred)
	if err != nil {
		return 0, fmt.Errorf("reset coverage of %s: %w", namespace, err)
	}

	return n, nil
}

// Reset drops all coverage of namespace
func (i *Index) Reset(ctx context.Context, namespace string) error {
	var n int

	err := i.backend.Update(ctx, func(tx storage.Tx) error {
		var err error
		n, err = i.ResetTx(tx, namespace)

		return err
	})
	if err != nil {
		return err
	}

	i.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"rows":      n,
	}).Info("Reset coverage")

	return nil
}
