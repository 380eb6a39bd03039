package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config holds Redis lease settings
type Config struct {
	Prefix       string        `yaml:"prefix" default:"chaincache:lock"`
	TTL          time.Duration `yaml:"ttl" default:"30s"`
	PollInterval time.Duration `yaml:"pollInterval" default:"100ms"`
}

// The lease value is the owner token; renew and release only act when it still matches
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a lease lock: SET NX PX with a per-acquisition owner token, renewed in the
// background at a third of the TTL while held.
type Redis struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	cfg    Config
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis lease locker
func NewRedis(log logrus.FieldLogger, client redis.UniversalClient, cfg Config) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "chaincache:lock"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	return &Redis{
		log:    log.WithField("component", "redis_lock"),
		client: client,
		cfg:    cfg,
	}
}

func (r *Redis) key(name string) string {
	return fmt.Sprintf("%s:%s", r.cfg.Prefix, name)
}

// Lock polls until the lease is acquired or ctx is done
func (r *Redis) Lock(ctx context.Context, name string) (Unlocker, error) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		u, err := r.TryLock(ctx, name)
		if err == nil {
			return u, nil
		}

		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock makes one acquisition attempt
func (r *Redis) TryLock(ctx context.Context, name string) (Unlocker, error) {
	key := r.key(name)
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	if !ok {
		return nil, ErrLockHeld
	}

	l := &lease{
		log:    r.log.WithFields(logrus.Fields{"lock": name, "token": token}),
		client: r.client,
		key:    key,
		token:  token,
		ttl:    r.cfg.TTL,
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.renew()

	l.log.Debug("Acquired lock")

	return l, nil
}

type lease struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu   sync.Mutex
	lost bool
}

func (l *lease) renew() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()

			if err != nil {
				l.log.WithError(err).Warn("Failed to renew lock lease")
				continue
			}

			if n == 0 {
				l.mu.Lock()
				l.lost = true
				l.mu.Unlock()

				l.log.Warn("Lock lease lost")

				return
			}
		}
	}
}

// Unlock stops renewal and deletes the lease if this holder still owns it
func (l *lease) Unlock(ctx context.Context) error {
	var err error

	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()

		var n int64

		n, err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
		if err != nil {
			err = fmt.Errorf("release lock: %w", err)
			return
		}

		l.mu.Lock()
		lost := l.lost
		l.mu.Unlock()

		if n == 0 || lost {
			err = ErrLockLost
			return
		}

		l.log.Debug("Released lock")
	})

	return err
}
