package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blob"
	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/ethpandaops/chaincache/pkg/lock"
	"github.com/ethpandaops/chaincache/pkg/schema"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = cachekey.Events("mainnet",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
	"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var errUpstream = errors.New("upstream unavailable")

func rg(start, end uint64) blockrange.Range {
	return blockrange.Range{Start: start, End: end}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func testConfig() Config {
	return Config{
		Concurrency:    4,
		MaxRequestSpan: 2000,
		Retry: RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

type harness struct {
	orch    *Orchestrator
	store   *chunkstore.Store
	backend *storage.Memory
}

func newHarness(t *testing.T, cfg Config, guard func(storage.Backend, lock.Locker) *schema.Guard) *harness {
	t.Helper()

	log := testLogger()
	backend := storage.NewMemory()
	locker := lock.NewLocal()
	store := chunkstore.New(log, backend, blob.NewMemory(), coverage.New(log, backend), locker)

	var g *schema.Guard
	if guard != nil {
		g = guard(backend, locker)
	}

	orch, err := New(log, cfg, store, g)
	require.NoError(t, err)

	return &harness{orch: orch, store: store, backend: backend}
}

// blockPayload returns one record per block of r
func blockPayload(r blockrange.Range) chunkstore.Payload {
	p := make(chunkstore.Payload, 0, r.Len())
	for b := r.Start; b <= r.End; b++ {
		p = append(p, chunkstore.Record{Block: b, Data: []byte{byte(b), byte(b >> 8)}})
	}

	return p
}

// recorder is a FetchFunc that logs every call and can fail chosen ranges
type recorder struct {
	mu    sync.Mutex
	calls []blockrange.Range

	FailFunc func(r blockrange.Range) error
}

func (rec *recorder) fetch(_ context.Context, _ cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
	rec.mu.Lock()
	rec.calls = append(rec.calls, r)
	rec.mu.Unlock()

	if rec.FailFunc != nil {
		if err := rec.FailFunc(r); err != nil {
			return nil, err
		}
	}

	return blockPayload(r), nil
}

func (rec *recorder) Calls() []blockrange.Range {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := append([]blockrange.Range{}, rec.calls...)
	sortRanges(out)

	return out
}

func (rec *recorder) Reset() {
	rec.mu.Lock()
	rec.calls = nil
	rec.mu.Unlock()
}

func sortRanges(rs []blockrange.Range) {
	slices.SortFunc(rs, func(a, b blockrange.Range) int {
		return cmp.Compare(a.Start, b.Start)
	})
}

func TestPartialFailureNamesMissingRanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	_, err := h.store.AppendChunk(ctx, testKey, rg(1201, 1799), blockPayload(rg(1201, 1799)))
	require.NoError(t, err)

	gaps, err := h.store.Coverage().GapsFor(ctx, testKey, 1000, 2000)
	require.NoError(t, err)
	require.Equal(t, []blockrange.Range{rg(1000, 1200), rg(1800, 2000)}, gaps)

	rec := &recorder{FailFunc: func(r blockrange.Range) error {
		if r.Start == 1800 {
			return errUpstream
		}

		return nil
	}}

	_, err = h.orch.Get(ctx, testKey, 1000, 2000, rec.fetch)
	require.ErrorIs(t, err, ErrFetchFailure)
	require.ErrorIs(t, err, errUpstream)

	var failure *FetchFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []blockrange.Range{rg(1800, 2000)}, failure.Missing)
	assert.Equal(t, testKey.String(), failure.Key)

	// One call for the good gap, the retry budget for the bad one.
	assert.Equal(t, []blockrange.Range{rg(1000, 1200), rg(1800, 2000), rg(1800, 2000)}, rec.Calls())

	rc, err := h.store.Coverage().Ranges(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{rg(1000, 1799)}, rc.Ranges)

	// Retrying the same request only fetches what is still missing.
	rec.Reset()
	rec.FailFunc = nil

	got, err := h.orch.Get(ctx, testKey, 1000, 2000, rec.fetch)
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{rg(1800, 2000)}, rec.Calls())
	assert.Equal(t, blockPayload(rg(1000, 2000)), got)
}

func TestFullHitDoesNotFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	rec := &recorder{}

	first, err := h.orch.Get(ctx, testKey, 0, 499, rec.fetch)
	require.NoError(t, err)
	require.Len(t, rec.Calls(), 1)

	rec.Reset()

	second, err := h.orch.Get(ctx, testKey, 100, 199, rec.fetch)
	require.NoError(t, err)
	assert.Empty(t, rec.Calls())
	assert.Equal(t, first[100:200], second)
}

func TestGapsAreSplitByRequestSpan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	rec := &recorder{}

	got, err := h.orch.Get(ctx, testKey, 0, 349, rec.fetch, WithMaxRequestSpan(100))
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{rg(0, 99), rg(100, 199), rg(200, 299), rg(300, 349)}, rec.Calls())
	assert.Equal(t, blockPayload(rg(0, 349)), got)

	chunks, err := h.store.Chunks(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
}

func TestConcurrencyIsBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	var inFlight, peak atomic.Int32

	fetch := func(ctx context.Context, key cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		return blockPayload(r), nil
	}

	_, err := h.orch.Get(ctx, testKey, 0, 999, fetch, WithMaxRequestSpan(50), WithConcurrency(3))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	h := newHarness(t, cfg, nil)

	var failures atomic.Int32

	rec := &recorder{FailFunc: func(blockrange.Range) error {
		if failures.Add(1) <= 2 {
			return errUpstream
		}

		return nil
	}}

	_, err := h.orch.Get(ctx, testKey, 0, 9, rec.fetch)
	require.NoError(t, err)
	assert.Len(t, rec.Calls(), 3)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	h := newHarness(t, cfg, nil)

	rec := &recorder{FailFunc: func(blockrange.Range) error {
		return Permanent(errUpstream)
	}}

	_, err := h.orch.Get(ctx, testKey, 0, 9, rec.fetch)
	require.ErrorIs(t, err, ErrFetchFailure)
	require.ErrorIs(t, err, errUpstream)
	assert.Len(t, rec.Calls(), 1)
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	var calls atomic.Int32

	fetch := func(context.Context, cachekey.Key, blockrange.Range) (chunkstore.Payload, error) {
		calls.Add(1)
		return chunkstore.Payload{{Block: 500}}, nil
	}

	_, err := h.orch.Get(ctx, testKey, 0, 9, fetch)
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, int32(1), calls.Load())

	status, err := h.store.Coverage().IsCovered(ctx, testKey, rg(0, 9))
	require.NoError(t, err)
	assert.Equal(t, coverage.None, status)
}

func TestCancellationLeavesNoPartialRecord(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())

	fetch := func(ctx context.Context, _ cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
		if r.Start == 0 {
			return blockPayload(r), nil
		}

		cancel()
		<-ctx.Done()

		return nil, ctx.Err()
	}

	_, err := h.orch.Get(ctx, testKey, 0, 199, fetch, WithMaxRequestSpan(100), WithConcurrency(1))
	require.ErrorIs(t, err, context.Canceled)

	var failure *FetchFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []blockrange.Range{rg(100, 199)}, failure.Missing)

	chunks, err := h.store.Chunks(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, rg(0, 99), chunks[0].Range)
}

func TestConcurrentRequestsShareFetches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)

	var calls atomic.Int32

	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(_ context.Context, _ cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
		if calls.Add(1) == 1 {
			close(started)
		}

		<-release

		return blockPayload(r), nil
	}

	var wg sync.WaitGroup

	results := make([]chunkstore.Payload, 2)

	for i := range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if i == 1 {
				<-started
			}

			p, err := h.orch.Get(ctx, testKey, 0, 99, fetch)
			assert.NoError(t, err)

			results[i] = p
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, results[0], results[1])
}

func TestCancelledRequestDoesNotFailSharedWaiters(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var calls atomic.Int32

	started := make(chan struct{})

	// The first fetch hangs until its request is cancelled; later ones succeed.
	fetch := func(ctx context.Context, _ cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()

			return nil, ctx.Err()
		}

		return blockPayload(r), nil
	}

	cancelled, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg   sync.WaitGroup
		errA error
		errB error
		gotB chunkstore.Payload
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		_, errA = h.orch.Get(cancelled, testKey, 0, 99, fetch)
	}()

	go func() {
		defer wg.Done()

		<-started
		gotB, errB = h.orch.Get(context.Background(), testKey, 0, 99, fetch)
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	require.ErrorIs(t, errA, context.Canceled)
	require.NoError(t, errB)
	assert.Equal(t, blockPayload(rg(0, 99)), gotB)
	assert.Equal(t, int32(2), calls.Load())

	status, err := h.store.Coverage().IsCovered(context.Background(), testKey, rg(0, 99))
	require.NoError(t, err)
	assert.Equal(t, coverage.Full, status)
}

func TestWaiterLeavesOnItsOwnCancellation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(_ context.Context, _ cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
		close(started)
		<-release

		return blockPayload(r), nil
	}

	done := make(chan error, 1)

	go func() {
		_, err := h.orch.Get(context.Background(), testKey, 0, 99, fetch)
		done <- err
	}()

	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.orch.Get(ctx, testKey, 0, 99, fetch)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestStaleNamespaceIsRefetched(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, testConfig(), func(backend storage.Backend, locker lock.Locker) *schema.Guard {
		require.NoError(t, backend.Update(ctx, func(tx storage.Tx) error {
			return tx.Insert(storage.TableSchemaVersions, storage.Row{Key: "events", Version: "1"})
		}))

		g, err := schema.New(testLogger(), backend, locker, map[string]string{"events": "2"})
		require.NoError(t, err)

		return g
	})

	// Data written under the old format.
	_, err := h.store.AppendChunk(ctx, testKey, rg(0, 99), chunkstore.Payload{{Block: 5, Data: []byte("old")}})
	require.NoError(t, err)

	rec := &recorder{}

	got, err := h.orch.Get(ctx, testKey, 50, 149, rec.fetch)
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{rg(50, 149)}, rec.Calls())
	assert.Equal(t, blockPayload(rg(50, 149)), got)

	// The old coverage is gone, only the refetched range remains.
	rc, err := h.store.Coverage().Ranges(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{rg(50, 149)}, rc.Ranges)

	rec.Reset()

	_, err = h.orch.Get(ctx, testKey, 60, 70, rec.fetch)
	require.NoError(t, err)
	assert.Empty(t, rec.Calls())
}

func TestMissingNamespaceVersionIsRecorded(t *testing.T) {
	ctx := context.Background()

	var guard *schema.Guard

	h := newHarness(t, testConfig(), func(backend storage.Backend, locker lock.Locker) *schema.Guard {
		g, err := schema.New(testLogger(), backend, locker, nil)
		require.NoError(t, err)
		guard = g

		return g
	})

	rec := &recorder{}

	_, err := h.orch.Get(ctx, testKey, 0, 9, rec.fetch)
	require.NoError(t, err)

	status, err := guard.Check(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, schema.Current, status)
}

func TestGetRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	rec := &recorder{}

	_, err := h.orch.Get(context.Background(), testKey, 10, 5, rec.fetch)
	require.ErrorIs(t, err, blockrange.ErrInvalidRange)

	_, err = h.orch.Get(context.Background(), cachekey.Key{Kind: cachekey.KindEvents}, 0, 5, rec.fetch)
	require.ErrorIs(t, err, cachekey.ErrInvalidKey)

	_, err = h.orch.Get(context.Background(), testKey, 0, 5, rec.fetch, WithConcurrency(0))
	require.ErrorIs(t, err, ErrInvalidConcurrency)

	assert.Empty(t, rec.Calls())
}

func TestRateLimitedFetches(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.RequestsPerSecond = 50
	cfg.Burst = 1
	h := newHarness(t, cfg, nil)

	rec := &recorder{}
	start := time.Now()

	_, err := h.orch.Get(ctx, testKey, 0, 49, rec.fetch, WithMaxRequestSpan(10))
	require.NoError(t, err)
	assert.Len(t, rec.Calls(), 5)

	// Five fetches at 50/s with a burst of one take at least four intervals.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}
