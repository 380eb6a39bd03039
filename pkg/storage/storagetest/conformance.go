// Package storagetest holds the behaviour every storage.Backend must share, run by each
// backend's own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("abort")

// Run exercises backend constructed by newBackend. newBackend must return an empty,
// started backend.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{name: "insert and select ordered", fn: testInsertSelect},
		{name: "insert replaces same identity", fn: testReplace},
		{name: "window and prefix predicates", fn: testPredicates},
		{name: "delete", fn: testDelete},
		{name: "failed update is discarded", fn: testRollback},
		{name: "update reads its own writes", fn: testReadYourWrites},
		{name: "view rejects writes", fn: testViewReadOnly},
		{name: "tables are isolated", fn: testTableIsolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func row(key string, start, end uint64) storage.Row {
	return storage.Row{Key: key, Start: start, End: end, UpdatedAt: time.Unix(1700000000, 0).UTC()}
}

func selectAll(t *testing.T, b storage.Backend, table storage.Table, pred storage.Predicate) []storage.Row {
	t.Helper()

	var rows []storage.Row
	require.NoError(t, b.View(context.Background(), func(tx storage.Tx) error {
		var err error
		rows, err = tx.Select(table, pred)

		return err
	}))

	return rows
}

func spans(rows []storage.Row) []blockrange.Range {
	out := make([]blockrange.Range, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Range())
	}

	return out
}

func testInsertSelect(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		for _, r := range []storage.Row{row("k1", 300, 399), row("k1", 100, 199), row("k2", 0, 9)} {
			if err := tx.Insert(storage.TableCoverage, r); err != nil {
				return err
			}
		}

		return nil
	}))

	rows := selectAll(t, b, storage.TableCoverage, storage.ForKey("k1"))
	assert.Equal(t, []blockrange.Range{{Start: 100, End: 199}, {Start: 300, End: 399}}, spans(rows))
	assert.Equal(t, "k1", rows[0].Key)

	all := selectAll(t, b, storage.TableCoverage, storage.Predicate{})
	require.Len(t, all, 3)
	assert.Equal(t, "k2", all[2].Key)
}

func testReplace(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	chunk := row("k1", 0, 99)
	chunk.ChunkID = "a"
	chunk.ByteSize = 10

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		return tx.Insert(storage.TableChunks, chunk)
	}))

	chunk.ByteSize = 20
	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		return tx.Insert(storage.TableChunks, chunk)
	}))

	rows := selectAll(t, b, storage.TableChunks, storage.ForKey("k1"))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(20), rows[0].ByteSize)
	assert.Equal(t, "a", rows[0].ChunkID)
}

func testPredicates(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		for _, r := range []storage.Row{
			row("events:a", 0, 9), row("events:a", 20, 29), row("events:b", 5, 5), row("timestamps:x", 1, 1),
		} {
			if err := tx.Insert(storage.TableCoverage, r); err != nil {
				return err
			}
		}

		return nil
	}))

	got := selectAll(t, b, storage.TableCoverage, storage.Overlapping("events:a", blockrange.Range{Start: 9, End: 19}))
	assert.Equal(t, []blockrange.Range{{Start: 0, End: 9}}, spans(got))

	got = selectAll(t, b, storage.TableCoverage, storage.Predicate{KeyPrefix: "events:"})
	assert.Len(t, got, 3)

	chunkA := row("events:a", 0, 9)
	chunkA.ChunkID = "a"
	chunkB := row("events:a", 10, 19)
	chunkB.ChunkID = "b"

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Insert(storage.TableChunks, chunkA); err != nil {
			return err
		}

		return tx.Insert(storage.TableChunks, chunkB)
	}))

	got = selectAll(t, b, storage.TableChunks, storage.Predicate{Key: "events:a", ChunkIDs: []string{"b"}})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ChunkID)
}

func testDelete(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		for _, r := range []storage.Row{row("k", 0, 9), row("k", 20, 29), row("k", 40, 49)} {
			if err := tx.Insert(storage.TableCoverage, r); err != nil {
				return err
			}
		}

		return nil
	}))

	var deleted int
	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		var err error
		deleted, err = tx.Delete(storage.TableCoverage, storage.Overlapping("k", blockrange.Range{Start: 5, End: 25}))

		return err
	}))

	assert.Equal(t, 2, deleted)
	assert.Equal(t, []blockrange.Range{{Start: 40, End: 49}}, spans(selectAll(t, b, storage.TableCoverage, storage.ForKey("k"))))
}

func testRollback(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		return tx.Insert(storage.TableCoverage, row("k", 0, 9))
	}))

	err := b.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Delete(storage.TableCoverage, storage.ForKey("k")); err != nil {
			return err
		}
		if err := tx.Insert(storage.TableCoverage, row("k", 100, 109)); err != nil {
			return err
		}

		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	assert.Equal(t, []blockrange.Range{{Start: 0, End: 9}}, spans(selectAll(t, b, storage.TableCoverage, storage.ForKey("k"))))
}

func testReadYourWrites(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		return tx.Insert(storage.TableCoverage, row("k", 0, 9))
	}))

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Delete(storage.TableCoverage, storage.ForKey("k")); err != nil {
			return err
		}
		if err := tx.Insert(storage.TableCoverage, row("k", 0, 19)); err != nil {
			return err
		}

		rows, err := tx.Select(storage.TableCoverage, storage.ForKey("k"))
		if err != nil {
			return err
		}

		assert.Equal(t, []blockrange.Range{{Start: 0, End: 19}}, spans(rows))

		return nil
	}))
}

func testViewReadOnly(t *testing.T, b storage.Backend) {
	err := b.View(context.Background(), func(tx storage.Tx) error {
		return tx.Insert(storage.TableCoverage, row("k", 0, 9))
	})
	require.ErrorIs(t, err, storage.ErrReadOnly)
}

func testTableIsolation(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx storage.Tx) error {
		return tx.Insert(storage.TableCoveragePoints, row("k", 7, 7))
	}))

	assert.Empty(t, selectAll(t, b, storage.TableCoverage, storage.ForKey("k")))
	assert.Len(t, selectAll(t, b, storage.TableCoveragePoints, storage.ForKey("k")), 1)

	err := b.View(ctx, func(tx storage.Tx) error {
		_, err := tx.Select(storage.Table("nope"), storage.Predicate{})
		return err
	})
	require.ErrorIs(t, err, storage.ErrUnknownTable)
}
