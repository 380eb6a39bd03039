// Package chunkstore persists fetched payloads as immutable chunks tied to covered ranges,
// reads them back and rebalances them toward a target size.
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blob"
	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/ethpandaops/chaincache/pkg/lock"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	sourceFetch   = "fetch"
	sourceRechunk = "rechunk"
)

// Chunk is the metadata of one stored payload
type Chunk struct {
	ID       string           `json:"chunk_id"`
	Key      string           `json:"cache_key"`
	Range    blockrange.Range `json:"range"`
	ByteSize int64            `json:"byte_size"`
}

func chunkFromRow(row storage.Row) Chunk {
	return Chunk{ID: row.ChunkID, Key: row.Key, Range: row.Range(), ByteSize: row.ByteSize}
}

func (c Chunk) row(now time.Time) storage.Row {
	return storage.Row{
		Key:       c.Key,
		Start:     c.Range.Start,
		End:       c.Range.End,
		ChunkID:   c.ID,
		ByteSize:  c.ByteSize,
		UpdatedAt: now,
	}
}

// Store writes chunks and their coverage together. Writers of one key are serialized with
// the key lock; readers never lock.
type Store struct {
	log      logrus.FieldLogger
	backend  storage.Backend
	blobs    blob.Store
	coverage *coverage.Index
	locker   lock.Locker

	newID func() string
	now   func() time.Time
}

// New creates a chunk store. cov must run on backend.
func New(log logrus.FieldLogger, backend storage.Backend, blobs blob.Store, cov *coverage.Index, locker lock.Locker) *Store {
	return &Store{
		log:      log.WithField("component", "chunkstore"),
		backend:  backend,
		blobs:    blobs,
		coverage: cov,
		locker:   locker,
		newID:    func() string { return uuid.New().String() },
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Coverage returns the coverage index the store writes through
func (s *Store) Coverage() *coverage.Index {
	return s.coverage
}

func lockName(key cachekey.Key) string {
	return "key:" + key.String()
}

func (s *Store) lockKey(ctx context.Context, key cachekey.Key) (func(), error) {
	u, err := s.locker.Lock(ctx, lockName(key))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	return func() {
		// The lock outlives a cancelled request context.
		if err := u.Unlock(context.Background()); err != nil {
			s.log.WithError(err).WithField("cache_key", key.String()).Warn("Failed to release key lock")
		}
	}, nil
}

// AppendChunk stores payload as one chunk for r and marks r covered, in one transaction.
// r must not overlap existing coverage.
func (s *Store) AppendChunk(ctx context.Context, key cachekey.Key, r blockrange.Range, payload Payload) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if err := payload.Validate(r); err != nil {
		return "", err
	}

	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	gaps, err := s.gaps(ctx, key, r)
	if err != nil {
		return "", err
	}

	if len(gaps) != 1 || gaps[0] != r {
		return "", fmt.Errorf("%w: %s %s", ErrAlreadyCovered, key, r)
	}

	chunks, err := s.write(ctx, key, []blockrange.Range{r}, payload)
	if err != nil {
		return "", err
	}

	return chunks[0].ID, nil
}

// Commit stores the still-uncovered part of r from payload and marks it covered, in one
// transaction. Parts of r that became covered meanwhile (by a concurrent fetch of an
// overlapping range) are skipped, so chunks of a key never overlap. It returns the chunks
// written, which may be none.
func (s *Store) Commit(ctx context.Context, key cachekey.Key, r blockrange.Range, payload Payload) ([]Chunk, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := payload.Validate(r); err != nil {
		return nil, err
	}

	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pieces, err := s.gaps(ctx, key, r)
	if err != nil {
		return nil, err
	}

	if len(pieces) == 0 {
		s.log.WithFields(logrus.Fields{
			"cache_key": key.String(),
			"range":     r.String(),
		}).Debug("Range already covered, nothing to commit")

		return []Chunk{}, nil
	}

	return s.write(ctx, key, pieces, payload)
}

func (s *Store) gaps(ctx context.Context, key cachekey.Key, r blockrange.Range) ([]blockrange.Range, error) {
	var gaps []blockrange.Range

	err := s.backend.View(ctx, func(tx storage.Tx) error {
		var err error
		gaps, err = s.coverage.GapsTx(tx, key, r)

		return err
	})

	return gaps, err
}

// write stores one chunk per piece. Blobs are written before the metadata transaction and
// removed again if it fails, so a committed row always has its payload.
func (s *Store) write(ctx context.Context, key cachekey.Key, pieces []blockrange.Range, payload Payload) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(pieces))

	cleanup := func() {
		s.deleteBlobs(chunks)
	}

	for _, piece := range pieces {
		data := payload.Trim(piece).Encode()
		c := Chunk{ID: s.newID(), Key: key.String(), Range: piece, ByteSize: int64(len(data))}

		if err := s.blobs.Put(ctx, c.ID, data); err != nil {
			cleanup()
			return nil, fmt.Errorf("store payload of %s %s: %w", key, piece, err)
		}

		chunks = append(chunks, c)
	}

	now := s.now()

	err := s.backend.Update(ctx, func(tx storage.Tx) error {
		for _, c := range chunks {
			gaps, err := s.coverage.GapsTx(tx, key, c.Range)
			if err != nil {
				return err
			}

			if len(gaps) != 1 || gaps[0] != c.Range {
				return fmt.Errorf("%w: %s %s", ErrCommitConflict, key, c.Range)
			}

			if err := tx.Insert(storage.TableChunks, c.row(now)); err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}

			if err := s.coverage.InsertCoveredTx(tx, key, c.Range); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	for _, c := range chunks {
		observability.RecordChunkWritten(key.Namespace(), sourceFetch, c.ByteSize)

		s.log.WithFields(logrus.Fields{
			"cache_key": key.String(),
			"range":     c.Range.String(),
			"chunk_id":  c.ID,
			"bytes":     c.ByteSize,
		}).Debug("Committed chunk")
	}

	return chunks, nil
}

func (s *Store) deleteBlobs(chunks []Chunk) {
	for _, c := range chunks {
		// Cleanup runs after the request context may already be cancelled.
		if err := s.blobs.Delete(context.Background(), c.ID); err != nil {
			s.log.WithError(err).WithField("chunk_id", c.ID).Warn("Failed to delete orphaned blob")
		}
	}
}

// Chunks lists the chunks of key in ascending range order
func (s *Store) Chunks(ctx context.Context, key cachekey.Key) ([]Chunk, error) {
	return s.chunksIn(ctx, key, nil)
}

func (s *Store) chunksIn(ctx context.Context, key cachekey.Key, window *blockrange.Range) ([]Chunk, error) {
	var chunks []Chunk

	err := s.backend.View(ctx, func(tx storage.Tx) error {
		var err error
		chunks, err = chunksTx(tx, key, window)

		return err
	})

	return chunks, err
}

func chunksTx(tx storage.Tx, key cachekey.Key, window *blockrange.Range) ([]Chunk, error) {
	rows, err := tx.Select(storage.TableChunks, storage.Predicate{Key: key.String(), Window: window})
	if err != nil {
		return nil, fmt.Errorf("select chunks of %s: %w", key, err)
	}

	chunks := make([]Chunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, chunkFromRow(row))
	}

	return chunks, nil
}

// ReadRange returns the records of key in [start, end]. The whole range must be covered.
func (s *Store) ReadRange(ctx context.Context, key cachekey.Key, start, end uint64) (Payload, error) {
	request, err := blockrange.New(start, end)
	if err != nil {
		return nil, err
	}

	payload, err := s.readOnce(ctx, key, request)
	if errors.Is(err, blob.ErrNotFound) {
		// A rechunk swapped the layout between reading metadata and payloads.
		s.log.WithFields(logrus.Fields{
			"cache_key": key.String(),
			"range":     request.String(),
		}).Debug("Chunk vanished during read, retrying")

		payload, err = s.readOnce(ctx, key, request)
	}

	return payload, err
}

func (s *Store) readOnce(ctx context.Context, key cachekey.Key, request blockrange.Range) (Payload, error) {
	var chunks []Chunk

	err := s.backend.View(ctx, func(tx storage.Tx) error {
		gaps, err := s.coverage.GapsTx(tx, key, request)
		if err != nil {
			return err
		}

		if len(gaps) > 0 {
			return &GapError{Key: key.String(), Missing: gaps}
		}

		chunks, err = chunksTx(tx, key, &request)

		return err
	})
	if err != nil {
		return nil, err
	}

	if err := checkTiling(chunks, request); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", coverage.ErrCoverageCorruption, key, err)
	}

	out := make(Payload, 0)

	for _, c := range chunks {
		data, err := s.blobs.Get(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", c.ID, err)
		}

		p, err := DecodePayload(data)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", c.ID, err)
		}

		out = append(out, p.Trim(request)...)
	}

	return out, nil
}

var errTiling = errors.New("chunks do not tile the covered range")

// checkTiling verifies that sorted chunks cover request contiguously without overlap
func checkTiling(chunks []Chunk, request blockrange.Range) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks for %s", errTiling, request)
	}

	if chunks[0].Range.Start > request.Start {
		return fmt.Errorf("%w: first chunk starts at %d after %d", errTiling, chunks[0].Range.Start, request.Start)
	}

	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1].Range, chunks[i].Range
		if prev.End == math.MaxUint64 || cur.Start != prev.End+1 {
			return fmt.Errorf("%w: %s followed by %s", errTiling, prev, cur)
		}
	}

	if last := chunks[len(chunks)-1].Range; last.End < request.End {
		return fmt.Errorf("%w: last chunk ends at %d before %d", errTiling, last.End, request.End)
	}

	return nil
}

// ResetNamespace drops chunk metadata and coverage of every key in namespace, then deletes
// the orphaned payloads
func (s *Store) ResetNamespace(ctx context.Context, namespace string) error {
	pred := storage.Predicate{KeyPrefix: cachekey.NamespacePrefix(namespace)}

	var ids []string

	err := s.backend.Update(ctx, func(tx storage.Tx) error {
		rows, err := tx.Select(storage.TableChunks, pred)
		if err != nil {
			return err
		}

		ids = ids[:0]
		for _, row := range rows {
			ids = append(ids, row.ChunkID)
		}

		if _, err := tx.Delete(storage.TableChunks, pred); err != nil {
			return fmt.Errorf("delete chunks of %s: %w", namespace, err)
		}

		_, err = s.coverage.ResetTx(tx, namespace)

		return err
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.blobs.Delete(ctx, id); err != nil {
			s.log.WithError(err).WithField("chunk_id", id).Warn("Failed to delete blob during reset")
		}
	}

	s.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"chunks":    len(ids),
	}).Info("Reset namespace storage")

	return nil
}

// concat joins encoded payloads in order
func concat(parts [][]byte) []byte {
	return bytes.Join(parts, nil)
}
