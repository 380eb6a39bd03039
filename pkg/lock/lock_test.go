package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/chaincache/internal/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T, ttl time.Duration) (*Redis, func(time.Duration)) {
	t.Helper()

	mr, client := testutil.NewMiniredisClient(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewRedis(log, client, Config{Prefix: "test:lock", TTL: ttl, PollInterval: 5 * time.Millisecond}), mr.FastForward
}

func TestLockers(t *testing.T) {
	tests := []struct {
		name   string
		locker func(t *testing.T) Locker
	}{
		{
			name:   "local",
			locker: func(_ *testing.T) Locker { return NewLocal() },
		},
		{
			name: "redis",
			locker: func(t *testing.T) Locker {
				l, _ := newRedisLocker(t, time.Minute)
				return l
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l := tt.locker(t)

			u, err := l.Lock(ctx, "events:a")
			require.NoError(t, err)

			_, err = l.TryLock(ctx, "events:a")
			require.ErrorIs(t, err, ErrLockHeld)

			// Other names are independent.
			other, err := l.TryLock(ctx, "events:b")
			require.NoError(t, err)
			require.NoError(t, other.Unlock(ctx))

			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			_, err = l.Lock(waitCtx, "events:a")
			cancel()
			require.ErrorIs(t, err, context.DeadlineExceeded)

			require.NoError(t, u.Unlock(ctx))

			again, err := l.TryLock(ctx, "events:a")
			require.NoError(t, err)
			require.NoError(t, again.Unlock(ctx))
		})
	}
}

func TestLocalMutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			u, err := l.Lock(ctx, "k")
			if !assert.NoError(t, err) {
				return
			}

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}

			time.Sleep(time.Millisecond)
			inside.Add(-1)

			assert.NoError(t, u.Unlock(ctx))
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, l.Held())
}

func TestLocalUnlockIsIdempotent(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	u, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, u.Unlock(ctx))
	require.NoError(t, u.Unlock(ctx))

	assert.Equal(t, 0, l.Held())
}

func TestRedisLeaseLost(t *testing.T) {
	l, fastForward := newRedisLocker(t, time.Hour)
	ctx := context.Background()

	u, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	// Expire the lease behind the holder's back and let someone else take it.
	fastForward(2 * time.Hour)

	other, err := l.TryLock(ctx, "k")
	require.NoError(t, err)

	require.ErrorIs(t, u.Unlock(ctx), ErrLockLost)

	// The stale holder must not have released the new owner's lease.
	_, err = l.TryLock(ctx, "k")
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, other.Unlock(ctx))
}
