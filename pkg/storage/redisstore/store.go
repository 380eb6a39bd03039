// Package redisstore implements storage.Backend on Redis using WATCH/MULTI optimistic
// transactions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTooManyConflicts is returned when an update keeps losing optimistic races
	ErrTooManyConflicts = errors.New("transaction aborted after repeated conflicts")
)

const backendName = "redis"

// Config holds Redis backend settings
type Config struct {
	Prefix     string `yaml:"prefix" default:"chaincache"`
	MaxRetries int    `yaml:"maxRetries" default:"50"`
}

// reader is the subset of go-redis commands used for reads, shared by *redis.Client and *redis.Tx
type reader interface {
	ZRangeByLex(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// Store keeps each (table, cache key) as a sorted set of row identities ordered
// lexicographically plus a hash of identity to JSON row. A per-table set indexes cache keys
// for prefix predicates.
type Store struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	cfg    Config
}

var _ storage.Backend = (*Store)(nil)

// New creates a Redis-backed store
func New(log logrus.FieldLogger, client redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "chaincache"
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 50
	}

	return &Store{
		log:    log.WithField("component", "redis_store"),
		client: client,
		cfg:    cfg,
	}
}

// Start verifies connectivity
func (s *Store) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Stop is a no-op; the client is owned by the caller
func (s *Store) Stop() error {
	return nil
}

func (s *Store) rowsKey(table storage.Table, key string) string {
	return fmt.Sprintf("%s:rows:%s:%s", s.cfg.Prefix, table, key)
}

func (s *Store) dataKey(table storage.Table, key string) string {
	return fmt.Sprintf("%s:data:%s:%s", s.cfg.Prefix, table, key)
}

func (s *Store) keysKey(table storage.Table) string {
	return fmt.Sprintf("%s:keys:%s", s.cfg.Prefix, table)
}

// View runs fn against committed state
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	defer observability.ObserveStorageTx(backendName, "view", time.Now())

	return fn(&redisTx{ctx: ctx, store: s, reader: s.client, readOnly: true})
}

// Update runs fn inside a WATCH/MULTI transaction. Every key read through tx is watched, so
// a concurrent writer touching the same rows makes EXEC fail and fn is run again.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	defer observability.ObserveStorageTx(backendName, "update", time.Now())

	var err error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, store: s, reader: rtx, watch: rtx, watched: make(map[string]struct{})}
			if err := fn(tx); err != nil {
				return err
			}

			if len(tx.ops) == 0 {
				return nil
			}

			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return tx.flush(pipe)
			})

			return err
		})

		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		observability.RecordStorageConflict(backendName)
		s.log.WithField("attempt", attempt+1).Debug("Transaction conflict, retrying")

		//nolint:gosec // jitter does not need a secure source
		backoff := time.Millisecond * time.Duration(rand.IntN(attempt+1)+1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w: %w", ErrTooManyConflicts, err)
}

type redisOp struct {
	table  storage.Table
	key    string
	id     string
	row    storage.Row
	delete bool
}

type redisTx struct {
	ctx      context.Context //nolint:containedctx // scoped to one transaction
	store    *Store
	reader   reader
	watch    *redis.Tx
	watched  map[string]struct{}
	readOnly bool
	ops      []redisOp
}

func (tx *redisTx) ensureWatched(keys ...string) error {
	if tx.watch == nil {
		return nil
	}

	pending := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := tx.watched[k]; !ok {
			pending = append(pending, k)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	if err := tx.watch.Watch(tx.ctx, pending...).Err(); err != nil {
		return fmt.Errorf("failed to watch keys: %w", err)
	}

	for _, k := range pending {
		tx.watched[k] = struct{}{}
	}

	return nil
}

func (tx *redisTx) Insert(table storage.Table, row storage.Row) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if err := row.Range().Validate(); err != nil {
		return err
	}

	tx.ops = append(tx.ops, redisOp{table: table, key: row.Key, id: row.Identity(), row: row})

	return nil
}

func (tx *redisTx) Delete(table storage.Table, pred storage.Predicate) (int, error) {
	if tx.readOnly {
		return 0, storage.ErrReadOnly
	}

	rows, err := tx.Select(table, pred)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		tx.ops = append(tx.ops, redisOp{table: table, key: row.Key, id: row.Identity(), delete: true})
	}

	return len(rows), nil
}

func (tx *redisTx) Select(table storage.Table, pred storage.Predicate) ([]storage.Row, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	keys, err := tx.candidateKeys(table, pred)
	if err != nil {
		return nil, err
	}

	rows := make([]storage.Row, 0)

	for _, key := range keys {
		byID, err := tx.loadKey(table, key, pred)
		if err != nil {
			return nil, err
		}

		for _, op := range tx.ops {
			if op.table != table || op.key != key {
				continue
			}

			if op.delete {
				delete(byID, op.id)
			} else {
				byID[op.id] = op.row
			}
		}

		for _, row := range byID {
			if pred.Match(row) {
				rows = append(rows, row)
			}
		}
	}

	storage.SortRows(rows)

	return rows, nil
}

// candidateKeys lists the cache keys a predicate can touch, including keys only written
// inside this transaction
func (tx *redisTx) candidateKeys(table storage.Table, pred storage.Predicate) ([]string, error) {
	if pred.Key != "" {
		return []string{pred.Key}, nil
	}

	index := tx.store.keysKey(table)
	if err := tx.ensureWatched(index); err != nil {
		return nil, err
	}

	members, err := tx.reader.SMembers(tx.ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", table, err)
	}

	for _, op := range tx.ops {
		if op.table == table && !op.delete {
			members = append(members, op.key)
		}
	}

	slices.Sort(members)
	members = slices.Compact(members)

	out := make([]string, 0, len(members))
	for _, m := range members {
		if pred.KeyPrefix == "" || strings.HasPrefix(m, pred.KeyPrefix) {
			out = append(out, m)
		}
	}

	return out, nil
}

// loadKey reads committed rows of key whose start is not past the predicate window
func (tx *redisTx) loadKey(table storage.Table, key string, pred storage.Predicate) (map[string]storage.Row, error) {
	rowsKey := tx.store.rowsKey(table, key)
	dataKey := tx.store.dataKey(table, key)

	if err := tx.ensureWatched(rowsKey, dataKey); err != nil {
		return nil, err
	}

	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if pred.Window != nil {
		// Identities begin with the zero-padded start, so every row starting at or before
		// the window end sorts below "<end>;".
		by.Max = fmt.Sprintf("(%020d;", pred.Window.End)
	}

	ids, err := tx.reader.ZRangeByLex(tx.ctx, rowsKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range %s: %w", rowsKey, err)
	}

	byID := make(map[string]storage.Row, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}

	values, err := tx.reader.HMGet(tx.ctx, dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rows of %s: %w", dataKey, err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: row %s of %s has no data", storage.ErrNotFound, ids[i], key)
		}

		var row storage.Row
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row %s of %s: %w", ids[i], key, err)
		}

		byID[ids[i]] = row
	}

	return byID, nil
}

func (tx *redisTx) flush(pipe redis.Pipeliner) error {
	for _, op := range tx.ops {
		rowsKey := tx.store.rowsKey(op.table, op.key)
		dataKey := tx.store.dataKey(op.table, op.key)

		if op.delete {
			pipe.ZRem(tx.ctx, rowsKey, op.id)
			pipe.HDel(tx.ctx, dataKey, op.id)

			continue
		}

		raw, err := json.Marshal(op.row)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}

		pipe.ZAdd(tx.ctx, rowsKey, redis.Z{Score: 0, Member: op.id})
		pipe.HSet(tx.ctx, dataKey, op.id, raw)
		pipe.SAdd(tx.ctx, tx.store.keysKey(op.table), op.key)
	}

	return nil
}
