// Package sqlstore implements storage.Backend on database/sql with DuckDB or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"              // postgres driver
	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

var (
	// ErrUnsupportedDriver is returned for drivers other than duckdb and postgres
	ErrUnsupportedDriver = errors.New("unsupported sql driver")
	// ErrBlockOutOfRange is returned when a block number does not fit a BIGINT column
	ErrBlockOutOfRange = errors.New("block number exceeds BIGINT range")
)

// Supported drivers
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

// Config holds SQL backend settings
type Config struct {
	Driver       string `yaml:"driver" default:"duckdb"`
	DSN          string `yaml:"dsn"`
	TablePrefix  string `yaml:"tablePrefix" default:"chaincache_"`
	MaxOpenConns int    `yaml:"maxOpenConns" default:"4"`
}

// Validate checks the driver name
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverDuckDB, DriverPostgres:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}
}

// Store persists rows in one SQL table per storage.Table
type Store struct {
	log logrus.FieldLogger
	cfg Config
	db  *sql.DB

	// DuckDB aborts concurrent writers touching the same rows, so updates are serialized
	// in-process for it.
	writeMu sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

// New opens the database. Tables are created by Start.
func New(log logrus.FieldLogger, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &Store{
		log: log.WithFields(logrus.Fields{"component": "sql_store", "driver": cfg.Driver}),
		cfg: cfg,
		db:  db,
	}, nil
}

func (s *Store) table(t storage.Table) string {
	return s.cfg.TablePrefix + string(t)
}

// Start verifies the connection and creates missing tables
func (s *Store) Start(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	for _, t := range storage.Tables() {
		// No primary key: identity replacement is done with delete+insert inside the
		// transaction, which DuckDB's unique indexes reject within one transaction.
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	cache_key VARCHAR NOT NULL,
	range_start BIGINT NOT NULL,
	range_end BIGINT NOT NULL,
	chunk_id VARCHAR NOT NULL DEFAULT '',
	byte_size BIGINT NOT NULL DEFAULT 0,
	version VARCHAR NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
)`, s.table(t))

		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", s.table(t), err)
		}

		if s.cfg.Driver == DriverPostgres {
			idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_key_idx ON %s (cache_key, range_start)", s.table(t), s.table(t))
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("create index on %s: %w", s.table(t), err)
			}
		}
	}

	s.log.Debug("SQL storage ready")

	return nil
}

// Stop closes the database
func (s *Store) Stop() error {
	return s.db.Close()
}

// View runs fn in a transaction that is always rolled back
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	defer observability.ObserveStorageTx(s.cfg.Driver, "view", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	return fn(&sqlTx{ctx: ctx, store: s, tx: tx, readOnly: true})
}

// Update runs fn in a transaction committed when fn succeeds
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	if s.cfg.Driver == DriverDuckDB {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	defer observability.ObserveStorageTx(s.cfg.Driver, "update", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{ctx: ctx, store: s, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}

		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

type sqlTx struct {
	ctx      context.Context //nolint:containedctx // scoped to one transaction
	store    *Store
	tx       *sql.Tx
	readOnly bool
}

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrBlockOutOfRange, v)
	}

	return int64(v), nil
}

func (t *sqlTx) Insert(table storage.Table, row storage.Row) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if err := row.Range().Validate(); err != nil {
		return err
	}

	start, err := toBigint(row.Start)
	if err != nil {
		return err
	}

	end, err := toBigint(row.End)
	if err != nil {
		return err
	}

	name := t.store.table(table)

	del := fmt.Sprintf(
		"DELETE FROM %s WHERE cache_key = $1 AND range_start = $2 AND range_end = $3 AND chunk_id = $4", name)
	if _, err := t.tx.ExecContext(t.ctx, del, row.Key, start, end, row.ChunkID); err != nil {
		return fmt.Errorf("replace row in %s: %w", name, err)
	}

	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	ins := fmt.Sprintf(`INSERT INTO %s (cache_key, range_start, range_end, chunk_id, byte_size, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, name)
	if _, err := t.tx.ExecContext(t.ctx, ins,
		row.Key, start, end, row.ChunkID, row.ByteSize, row.Version, updatedAt.UTC()); err != nil {
		return fmt.Errorf("insert into %s: %w", name, err)
	}

	return nil
}

// where renders pred as a WHERE clause with positional arguments
func where(pred storage.Predicate) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if pred.Key != "" {
		clauses = append(clauses, "cache_key = "+next(pred.Key))
	}

	if pred.KeyPrefix != "" {
		clauses = append(clauses, fmt.Sprintf("LEFT(cache_key, %d) = %s", len(pred.KeyPrefix), next(pred.KeyPrefix)))
	}

	if pred.Window != nil {
		// Blocks past BIGINT can never be stored, so the window is clamped rather than rejected.
		start := int64(min(pred.Window.Start, math.MaxInt64))
		end := int64(min(pred.Window.End, math.MaxInt64))
		clauses = append(clauses, "range_start <= "+next(end), "range_end >= "+next(start))
	}

	if len(pred.ChunkIDs) > 0 {
		ph := make([]string, 0, len(pred.ChunkIDs))
		for _, id := range pred.ChunkIDs {
			ph = append(ph, next(id))
		}

		clauses = append(clauses, "chunk_id IN ("+strings.Join(ph, ", ")+")")
	}

	if len(clauses) == 0 {
		return "", args
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (t *sqlTx) Select(table storage.Table, pred storage.Predicate) ([]storage.Row, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	clause, args := where(pred)

	name := t.store.table(table)

	//nolint:gosec // table name comes from a fixed set
	query := fmt.Sprintf(`SELECT cache_key, range_start, range_end, chunk_id, byte_size, version, updated_at
FROM %s%s ORDER BY cache_key, range_start, range_end, chunk_id`, name, clause)

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", name, err)
	}
	defer rows.Close()

	out := make([]storage.Row, 0)

	for rows.Next() {
		var (
			row        storage.Row
			start, end int64
		)

		if err := rows.Scan(&row.Key, &start, &end, &row.ChunkID, &row.ByteSize, &row.Version, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}

		row.Start = uint64(start) //nolint:gosec // stored values are never negative
		row.End = uint64(end)     //nolint:gosec // stored values are never negative
		row.UpdatedAt = row.UpdatedAt.UTC()
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}

	// Collation differences between drivers must not change ordering guarantees.
	storage.SortRows(out)

	return out, nil
}

func (t *sqlTx) Delete(table storage.Table, pred storage.Predicate) (int, error) {
	if t.readOnly {
		return 0, storage.ErrReadOnly
	}
	if err := table.Validate(); err != nil {
		return 0, err
	}

	clause, args := where(pred)

	name := t.store.table(table)

	res, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s%s", name, clause), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected in %s: %w", name, err)
	}

	return int(n), nil
}
