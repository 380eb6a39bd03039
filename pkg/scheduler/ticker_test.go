package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/chaincache/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyA = "events:mainnet:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48:0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	testKeyB = "events:mainnet:0xdac17f958d2ee523a2206206994597c13d831ec7:0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

// mockScheduleTracker implements scheduleTracker for testing
type mockScheduleTracker struct {
	lastRuns map[string]time.Time
	getErr   error
}

func newMockScheduleTracker() *mockScheduleTracker {
	return &mockScheduleTracker{lastRuns: make(map[string]time.Time)}
}

func (m *mockScheduleTracker) GetLastRun(_ context.Context, taskID string) (time.Time, error) {
	if m.getErr != nil {
		return time.Time{}, m.getErr
	}

	return m.lastRuns[taskID], nil
}

func (m *mockScheduleTracker) SetLastRun(_ context.Context, taskID string, timestamp time.Time) error {
	m.lastRuns[taskID] = timestamp
	return nil
}

func (m *mockScheduleTracker) DeleteLastRun(_ context.Context, taskID string) error {
	delete(m.lastRuns, taskID)
	return nil
}

func (m *mockScheduleTracker) GetAllTaskIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.lastRuns))
	for id := range m.lastRuns {
		ids = append(ids, id)
	}

	return ids, nil
}

// mockQueue implements rechunkQueue
type mockQueue struct {
	EnqueueFunc func(payload tasks.RechunkPayload) (bool, error)

	payloads []tasks.RechunkPayload
}

func (m *mockQueue) EnqueueRechunk(payload tasks.RechunkPayload, trigger string, _ ...asynq.Option) (bool, error) {
	if trigger != tasks.TriggerSchedule {
		return false, errors.New("unexpected trigger " + trigger)
	}

	m.payloads = append(m.payloads, payload)

	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(payload)
	}

	return true, nil
}

func testConfig(keys ...string) *Config {
	return &Config{
		Enabled:      true,
		Schedule:     "@every 1h",
		Keys:         keys,
		TargetBytes:  1 << 20,
		SplitFactor:  2,
		TickInterval: time.Second,
	}
}

type tickerHarness struct {
	ticker  *ticker
	tracker *mockScheduleTracker
	queue   *mockQueue
	leader  bool
	now     time.Time
}

func newTickerHarness(t *testing.T, keys ...string) *tickerHarness {
	t.Helper()

	scheduled, err := buildTasks(testConfig(keys...))
	require.NoError(t, err)

	h := &tickerHarness{
		tracker: newMockScheduleTracker(),
		queue:   &mockQueue{},
		leader:  true,
		now:     time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	h.ticker = newTicker(testLogger(), h.tracker, h.queue, func() bool { return h.leader }, time.Second, scheduled)
	h.ticker.now = func() time.Time { return h.now }

	return h
}

func TestTickerEnqueuesDueTasks(t *testing.T) {
	h := newTickerHarness(t, testKeyA, testKeyB)
	ctx := context.Background()

	h.ticker.checkSchedules(ctx)
	require.Len(t, h.queue.payloads, 2)

	p := h.queue.payloads[0]
	assert.Equal(t, testKeyA, p.CacheKey)
	assert.Equal(t, int64(1<<20), p.TargetBytes)
	assert.InDelta(t, 2.0, p.SplitFactor, 1e-9)
	assert.Equal(t, h.now, p.EnqueuedAt)
	assert.Equal(t, h.now, h.tracker.lastRuns["rechunk:"+testKeyA])

	// Not due again until the interval elapses.
	h.now = h.now.Add(30 * time.Minute)
	h.ticker.checkSchedules(ctx)
	assert.Len(t, h.queue.payloads, 2)

	h.now = h.now.Add(31 * time.Minute)
	h.ticker.checkSchedules(ctx)
	assert.Len(t, h.queue.payloads, 4)
}

func TestTickerRespectsTrackedLastRun(t *testing.T) {
	h := newTickerHarness(t, testKeyA)
	h.tracker.lastRuns["rechunk:"+testKeyA] = h.now.Add(-10 * time.Minute)

	h.ticker.checkSchedules(context.Background())
	assert.Empty(t, h.queue.payloads)
}

func TestTickerFollowerDoesNothing(t *testing.T) {
	h := newTickerHarness(t, testKeyA)
	h.leader = false

	h.ticker.checkSchedules(context.Background())
	assert.Empty(t, h.queue.payloads)
	assert.Empty(t, h.tracker.lastRuns)
}

func TestTickerEnqueueFailureRetriesNextTick(t *testing.T) {
	h := newTickerHarness(t, testKeyA)
	h.queue.EnqueueFunc = func(tasks.RechunkPayload) (bool, error) {
		return false, errors.New("redis down")
	}

	h.ticker.checkSchedules(context.Background())
	assert.Empty(t, h.tracker.lastRuns)

	h.queue.EnqueueFunc = nil
	h.ticker.checkSchedules(context.Background())
	assert.Len(t, h.queue.payloads, 2)
	assert.Contains(t, h.tracker.lastRuns, "rechunk:"+testKeyA)
}

func TestTickerTrackerFailureSkipsTask(t *testing.T) {
	h := newTickerHarness(t, testKeyA)
	h.tracker.getErr = errors.New("timeout")

	h.ticker.checkSchedules(context.Background())
	assert.Empty(t, h.queue.payloads)
}

func TestTickerPrune(t *testing.T) {
	h := newTickerHarness(t, testKeyA)
	h.tracker.lastRuns["rechunk:"+testKeyA] = h.now
	h.tracker.lastRuns["rechunk:"+testKeyB] = h.now

	require.NoError(t, h.ticker.prune(context.Background()))
	assert.Contains(t, h.tracker.lastRuns, "rechunk:"+testKeyA)
	assert.NotContains(t, h.tracker.lastRuns, "rechunk:"+testKeyB)
}

func TestParseScheduleInterval(t *testing.T) {
	tests := []struct {
		schedule string
		want     time.Duration
		wantErr  bool
	}{
		{schedule: "@every 30s", want: 30 * time.Second},
		{schedule: "@every 1h", want: time.Hour},
		{schedule: "0 * * * *", want: time.Hour},
		{schedule: "@hourly", want: time.Hour},
		{schedule: "not a schedule", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			got, err := parseScheduleInterval(tt.schedule)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad schedule", mutate: func(c *Config) { c.Schedule = "sometimes" }},
		{name: "zero target", mutate: func(c *Config) { c.TargetBytes = 0 }, wantErr: ErrInvalidTargetBytes},
		{name: "zero tick", mutate: func(c *Config) { c.TickInterval = 0 }, wantErr: ErrInvalidTickInterval},
		{name: "bad key", mutate: func(c *Config) { c.Keys = []string{"nope"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(testKeyA)
			tt.mutate(cfg)

			err := cfg.Validate()

			switch {
			case tt.name == "valid":
				require.NoError(t, err)
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			default:
				require.Error(t, err)
			}
		})
	}
}
