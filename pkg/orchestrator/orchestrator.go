// Package orchestrator serves block-range requests from the chunk store, fetching and
// committing whatever part of a request is not cached yet.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/schema"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the records of key in r from an upstream source. Records must be sorted
// by block and lie inside r.
type FetchFunc func(ctx context.Context, key cachekey.Key, r blockrange.Range) (chunkstore.Payload, error)

// Orchestrator resolves requests into gaps, fetches the gaps concurrently and commits them
type Orchestrator struct {
	log    logrus.FieldLogger
	cfg    Config
	store  *chunkstore.Store
	guard  *schema.Guard
	bucket *ratelimit.Bucket
	flight singleflight.Group
}

// New creates an orchestrator. guard may be nil, in which case namespace versions are not
// checked.
func New(log logrus.FieldLogger, cfg Config, store *chunkstore.Store, guard *schema.Guard) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}

	o := &Orchestrator{
		log:   log.WithField("component", "orchestrator"),
		cfg:   cfg,
		store: store,
		guard: guard,
	}

	if cfg.RequestsPerSecond > 0 {
		o.bucket = ratelimit.NewBucketWithRate(cfg.RequestsPerSecond, max(cfg.Burst, 1))
	}

	return o, nil
}

// Store returns the chunk store requests are served from
func (o *Orchestrator) Store() *chunkstore.Store {
	return o.store
}

// Get returns the records of key in [start, end], fetching uncovered sub-ranges with fetch.
// Sub-ranges fetched successfully stay committed even when others fail; the returned
// *FetchFailure then names exactly what is still missing.
func (o *Orchestrator) Get(ctx context.Context, key cachekey.Key, start, end uint64, fetch FetchFunc, opts ...Option) (chunkstore.Payload, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	request, err := blockrange.New(start, end)
	if err != nil {
		return nil, err
	}

	cfg := o.cfg
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ns := key.Namespace()
	log := o.log.WithFields(logrus.Fields{
		"cache_key": key.String(),
		"range":     request.String(),
	})

	gaps, err := o.gaps(ctx, key, request)
	if err != nil {
		return nil, err
	}

	if len(gaps) == 0 {
		observability.RecordRequest(ns, "hit")
		return o.store.ReadRange(ctx, key, start, end)
	}

	pieces := make([]blockrange.Range, 0, len(gaps))
	for _, gap := range gaps {
		parts, err := blockrange.Partition(gap.Start, gap.End, cfg.MaxRequestSpan, blockrange.PartitionOptions{})
		if err != nil {
			return nil, err
		}

		pieces = append(pieces, parts...)
	}

	if len(gaps) == 1 && gaps[0] == request {
		observability.RecordRequest(ns, "miss")
	} else {
		observability.RecordRequest(ns, "partial")
	}

	observability.RecordGaps(ns, len(pieces), blockrange.Total(gaps))

	log.WithFields(logrus.Fields{
		"gaps":   len(gaps),
		"pieces": len(pieces),
	}).Debug("Fetching uncovered ranges")

	adopt := sync.OnceValue(func() error {
		if o.guard == nil {
			return nil
		}

		return o.guard.Adopt(ctx, ns, o.store.ResetNamespace)
	})

	var (
		mu     sync.Mutex
		causes []error
	)

	g := new(errgroup.Group)
	g.SetLimit(cfg.Concurrency)

	for _, piece := range pieces {
		g.Go(func() error {
			if err := o.fetchPiece(ctx, key, piece, fetch, cfg.Retry, adopt); err != nil {
				mu.Lock()
				causes = append(causes, fmt.Errorf("%s: %w", piece, err))
				mu.Unlock()
			}

			// Every piece runs to completion; failures are collected, not propagated.
			return nil
		})
	}

	_ = g.Wait()

	if len(causes) > 0 {
		failure, err := o.failure(ctx, key, request, causes)
		if err != nil {
			return nil, err
		}

		if failure != nil {
			observability.RecordError("orchestrator", "fetch_failure")
			log.WithFields(logrus.Fields{
				"missing": len(failure.Missing),
				"causes":  len(causes),
			}).Warn("Request left uncovered ranges")

			return nil, failure
		}
	}

	return o.store.ReadRange(ctx, key, start, end)
}

// gaps returns the uncovered parts of request. A namespace whose recorded version is stale
// is treated as holding nothing.
func (o *Orchestrator) gaps(ctx context.Context, key cachekey.Key, request blockrange.Range) ([]blockrange.Range, error) {
	if o.guard != nil {
		status, err := o.guard.Check(ctx, key.Namespace())
		if err != nil {
			return nil, err
		}

		if status == schema.Stale {
			return []blockrange.Range{request}, nil
		}
	}

	return o.store.Coverage().GapsFor(ctx, key, request.Start, request.End)
}

// failure builds the error for a request with failed pieces. It returns nil when the
// request ended up fully covered anyway, e.g. by a concurrent request.
func (o *Orchestrator) failure(ctx context.Context, key cachekey.Key, request blockrange.Range, causes []error) (*FetchFailure, error) {
	// The caller's context may be the reason pieces failed.
	missing, err := o.gaps(context.WithoutCancel(ctx), key, request)
	if err != nil {
		return nil, err
	}

	if len(missing) == 0 {
		return nil, nil //nolint:nilnil // fully covered is not a failure
	}

	return &FetchFailure{Key: key.String(), Missing: missing, Causes: causes}, nil
}

func (o *Orchestrator) fetchPiece(ctx context.Context, key cachekey.Key, piece blockrange.Range, fetch FetchFunc, policy RetryPolicy, adopt func() error) error {
	// Identical in-flight pieces of concurrent requests share one upstream fetch.
	flightKey := key.String() + "@" + piece.String()

	for {
		var led bool

		ch := o.flight.DoChan(flightKey, func() (any, error) {
			led = true
			return nil, o.fetchAndCommit(ctx, key, piece, fetch, policy, adopt)
		})

		var res singleflight.Result

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-ch:
		}

		// A shared fetch that died with the context of the request running it says
		// nothing about this request, which fetches the piece again.
		if res.Err == nil || led || ctx.Err() != nil || !isContextError(res.Err) {
			return res.Err
		}

		o.log.WithFields(logrus.Fields{
			"cache_key": key.String(),
			"range":     piece.String(),
		}).Debug("Shared fetch was cancelled, fetching again")
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) fetchAndCommit(ctx context.Context, key cachekey.Key, piece blockrange.Range, fetch FetchFunc, policy RetryPolicy, adopt func() error) error {
	ns := key.Namespace()
	start := time.Now()

	var payload chunkstore.Payload

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := o.wait(ctx); err != nil {
			return err
		}

		p, err := fetch(ctx, key, piece)
		if err != nil {
			observability.RecordFetchAttempt(ns, "error")
			o.log.WithError(err).WithFields(logrus.Fields{
				"cache_key": key.String(),
				"range":     piece.String(),
				"attempt":   attempt,
			}).Debug("Fetch attempt failed")

			return err
		}

		if err := p.Validate(piece); err != nil {
			observability.RecordFetchAttempt(ns, "invalid")
			return Permanent(fmt.Errorf("%w: %w", ErrInvalidPayload, err))
		}

		observability.RecordFetchAttempt(ns, "success")
		payload = p

		return nil
	})
	if err != nil {
		observability.RecordFetch(ns, "error", time.Since(start))
		return err
	}

	observability.RecordFetch(ns, "success", time.Since(start))

	if err := adopt(); err != nil {
		return fmt.Errorf("adopt schema version: %w", err)
	}

	if _, err := o.store.Commit(ctx, key, piece, payload); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// wait blocks until the shared rate limit admits one fetch
func (o *Orchestrator) wait(ctx context.Context) error {
	if o.bucket == nil {
		return nil
	}

	d := o.bucket.Take(1)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
