package redisstore

import (
	"context"
	"sync"
	"testing"

	"github.com/ethpandaops/chaincache/internal/testutil"
	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/ethpandaops/chaincache/pkg/storage/storagetest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := New(log, client, Config{Prefix: "test"})
	require.NoError(t, s.Start(context.Background()))

	return s
}

func TestRedisBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newStore(t)
	})
}

func TestRedisKeyLayout(t *testing.T) {
	s := newStore(t)

	assert.Equal(t, "test:rows:coverage:events:a", s.rowsKey(storage.TableCoverage, "events:a"))
	assert.Equal(t, "test:data:chunks:events:a", s.dataKey(storage.TableChunks, "events:a"))
	assert.Equal(t, "test:keys:schema_versions", s.keysKey(storage.TableSchemaVersions))
}

func TestRedisConcurrentUpdatesSerialize(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Each writer extends the single coverage row by one block; lost updates would leave
	// the final row short.
	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Insert(storage.TableCoverage, storage.Row{Key: "k", Start: 0, End: 0})
	}))

	const writers = 20

	var wg sync.WaitGroup

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.Update(ctx, func(tx storage.Tx) error {
				rows, err := tx.Select(storage.TableCoverage, storage.ForKey("k"))
				if err != nil {
					return err
				}

				cur := rows[0]
				if _, err := tx.Delete(storage.TableCoverage, storage.ForKey("k")); err != nil {
					return err
				}

				cur.End++

				return tx.Insert(storage.TableCoverage, cur)
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	var rows []storage.Row
	require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.Select(storage.TableCoverage, storage.ForKey("k"))

		return err
	}))

	require.Len(t, rows, 1)
	assert.Equal(t, blockrange.Range{Start: 0, End: writers}, rows[0].Range())
}
