package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/chaincache/internal/testutil"
	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// memoryConfig returns a defaulted config that needs no external services
func memoryConfig(t *testing.T) *Config {
	t.Helper()

	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))

	cfg.MetricsAddr = ""
	cfg.Blob.Backend = "memory"
	cfg.Worker.Enabled = false
	cfg.Rechunk.Enabled = false
	cfg.API.Enabled = false

	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "memory defaults", mutate: func(*Config) {}},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: ErrUnsupportedStorage,
		},
		{
			name:    "unknown lock",
			mutate:  func(c *Config) { c.Lock.Backend = "zookeeper" },
			wantErr: ErrUnsupportedLock,
		},
		{
			name: "redis storage with local lock",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageRedis
			},
			wantErr: ErrLocalLockShared,
		},
		{
			name: "worker without redis url",
			mutate: func(c *Config) {
				c.Worker.Enabled = true
				c.Redis.URL = ""
			},
			wantErr: ErrRedisRequired,
		},
		{
			name:    "empty schema version",
			mutate:  func(c *Config) { c.SchemaVersions = map[string]string{"events": ""} },
			wantErr: ErrEmptySchemaVersion,
		},
		{
			name: "redis url not needed",
			mutate: func(c *Config) {
				c.Redis.URL = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestDeclaredVersions(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.SchemaVersions = map[string]string{"events": "2"}

	declared := cfg.DeclaredVersions(cachekey.DefaultVersions())
	assert.Equal(t, "2", declared["events"])
	assert.Equal(t, "1", declared["timestamps"])
	assert.Equal(t, "1", cachekey.DefaultVersions()["events"])
}

func TestStartStorageMemory(t *testing.T) {
	svc, err := NewService(testLogger(), memoryConfig(t))
	require.NoError(t, err)

	_, err = svc.Orchestrator()
	require.ErrorIs(t, err, ErrNotStarted)

	ctx := context.Background()
	require.NoError(t, svc.StartStorage(ctx))
	t.Cleanup(func() { require.NoError(t, svc.Stop()) })

	orch, err := svc.Orchestrator()
	require.NoError(t, err)

	key := cachekey.Timestamps("mainnet")
	fetch := func(_ context.Context, _ cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
		out := make(chunkstore.Payload, 0, r.Len())
		for b := r.Start; b <= r.End; b++ {
			out = append(out, chunkstore.Record{Block: b, Data: []byte("ts")})
		}

		return out, nil
	}

	payload, err := orch.Get(ctx, key, 10, 19, fetch)
	require.NoError(t, err)
	assert.Len(t, payload, 10)

	cov, err := svc.Coverage()
	require.NoError(t, err)

	gaps, err := cov.GapsFor(ctx, key, 0, 29)
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{{Start: 0, End: 9}, {Start: 20, End: 29}}, gaps)

	// The fetch adopted the declared version, so the guarded view agrees with the index.
	view, err := svc.CoverageView()
	require.NoError(t, err)

	viewGaps, err := view.GapsFor(ctx, key, 0, 29)
	require.NoError(t, err)
	assert.Equal(t, gaps, viewGaps)

	_, err = svc.Fetchers()
	require.ErrorIs(t, err, ErrNoFetchers)
}

func TestStartStorageRedis(t *testing.T) {
	_, url := testutil.NewMiniredisURL(t)

	cfg := memoryConfig(t)
	cfg.Redis.URL = url
	cfg.Storage.Backend = StorageRedis
	cfg.Lock.Backend = LockRedis
	cfg.Blob.Backend = "redis"
	cfg.RPC.Endpoints = map[string]string{"mainnet": "http://localhost:8545"}

	svc, err := NewService(testLogger(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.StartStorage(ctx))
	t.Cleanup(func() { require.NoError(t, svc.Stop()) })

	chunks, err := svc.Chunks()
	require.NoError(t, err)

	key := cachekey.Timestamps("mainnet")
	_, err = chunks.AppendChunk(ctx, key, blockrange.Range{Start: 0, End: 1}, chunkstore.Payload{
		{Block: 0, Data: []byte("a")},
		{Block: 1, Data: []byte("b")},
	})
	require.NoError(t, err)

	got, err := chunks.ReadRange(ctx, key, 0, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = svc.Fetchers()
	require.NoError(t, err)

	queue, err := svc.Queue(ctx)
	require.NoError(t, err)
	assert.NotNil(t, queue)
}

func TestHealthMux(t *testing.T) {
	svc, err := NewService(testLogger(), memoryConfig(t))
	require.NoError(t, err)

	mux := svc.healthMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.ready.Store(true)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
