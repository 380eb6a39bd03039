// Package storage defines the transactional row contract the cache core runs on, plus an
// in-memory backend. Redis and SQL backends live in sub-packages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
)

var (
	// ErrNotFound is returned when a lookup matches no rows
	ErrNotFound = errors.New("not found")
	// ErrReadOnly is returned when a write is attempted inside View
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrUnknownTable is returned for tables outside the fixed schema
	ErrUnknownTable = errors.New("unknown table")
	// ErrBackendClosed is returned when a backend is used after Stop
	ErrBackendClosed = errors.New("storage backend is closed")
)

// Table names a row table
type Table string

// Tables used by the cache
const (
	TableCoverage       Table = "coverage"
	TableCoveragePoints Table = "coverage_points"
	TableChunks         Table = "chunks"
	TableSchemaVersions Table = "schema_versions"
)

// Tables returns every table in the fixed schema
func Tables() []Table {
	return []Table{TableCoverage, TableCoveragePoints, TableChunks, TableSchemaVersions}
}

// Validate checks that t is part of the schema
func (t Table) Validate() error {
	if slices.Contains(Tables(), t) {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownTable, string(t))
}

// Row is one persisted record. Coverage rows use Key/Start/End, chunk rows add ChunkID and
// ByteSize, schema rows use Key (the namespace) and Version.
type Row struct {
	Key       string    `json:"cache_key"`
	Start     uint64    `json:"range_start"`
	End       uint64    `json:"range_end"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	ByteSize  int64     `json:"byte_size,omitempty"`
	Version   string    `json:"version,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Range returns the row's block span
func (r Row) Range() blockrange.Range {
	return blockrange.Range{Start: r.Start, End: r.End}
}

// Identity is the per-key uniqueness token of a row. Inserting a row with an existing
// identity replaces the stored row.
func (r Row) Identity() string {
	return fmt.Sprintf("%020d:%020d:%s", r.Start, r.End, r.ChunkID)
}

// Predicate selects rows. Zero-value fields do not constrain the match.
type Predicate struct {
	Key       string
	KeyPrefix string
	// Window matches rows whose span overlaps it
	Window   *blockrange.Range
	ChunkIDs []string
}

// ForKey selects every row of key
func ForKey(key string) Predicate {
	return Predicate{Key: key}
}

// Overlapping selects rows of key overlapping window
func Overlapping(key string, window blockrange.Range) Predicate {
	return Predicate{Key: key, Window: &window}
}

// Match reports whether row satisfies the predicate
func (p Predicate) Match(row Row) bool {
	if p.Key != "" && row.Key != p.Key {
		return false
	}

	if p.KeyPrefix != "" && !strings.HasPrefix(row.Key, p.KeyPrefix) {
		return false
	}

	if p.Window != nil && !p.Window.Overlaps(row.Range()) {
		return false
	}

	if len(p.ChunkIDs) > 0 && !slices.Contains(p.ChunkIDs, row.ChunkID) {
		return false
	}

	return true
}

// Tx is the view of storage inside one transaction
type Tx interface {
	// Insert stores row, replacing any row of the same key and identity
	Insert(table Table, row Row) error
	// Select returns matching rows ordered by key, start, end
	Select(table Table, pred Predicate) ([]Row, error)
	// Delete removes matching rows and returns how many were removed
	Delete(table Table, pred Predicate) (int, error)
}

// Backend runs transactions. Writes made inside Update become visible atomically when fn
// returns nil and are discarded otherwise. Update may run fn more than once when the backend
// uses optimistic concurrency, so fn must not have side effects outside tx.
type Backend interface {
	Start(ctx context.Context) error
	Stop() error
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// SortRows orders rows by key, start, end, chunk id
func SortRows(rows []Row) {
	slices.SortFunc(rows, func(a, b Row) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		if a.Start != b.Start {
			if a.Start < b.Start {
				return -1
			}
			return 1
		}
		if a.End != b.End {
			if a.End < b.End {
				return -1
			}
			return 1
		}

		return strings.Compare(a.ChunkID, b.ChunkID)
	})
}
