package ethrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/orchestrator"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownNetwork is returned for keys whose network has no endpoint
	ErrUnknownNetwork = errors.New("no rpc endpoint for network")
)

// Fetchers turns cache keys into JSON-RPC calls, one client per network
type Fetchers struct {
	log         logrus.FieldLogger
	clients     map[string]*Client
	concurrency int
}

var _ orchestrator.FetchFunc = (*Fetchers)(nil).Fetch

// NewFetchers creates fetchers for every configured endpoint
func NewFetchers(log logrus.FieldLogger, cfg *Config) (*Fetchers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Fetchers{
		log:         log.WithField("component", "fetchers"),
		clients:     make(map[string]*Client, len(cfg.Endpoints)),
		concurrency: cfg.BlockConcurrency,
	}

	for network, endpoint := range cfg.Endpoints {
		f.clients[network] = NewClient(log.WithField("network", network), endpoint, cfg.Timeout, cfg.MaxRetries)
	}

	return f, nil
}

// Fetch returns the payload of key over r. It satisfies orchestrator.FetchFunc.
func (f *Fetchers) Fetch(ctx context.Context, key cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
	client, ok := f.clients[key.Network]
	if !ok {
		return nil, orchestrator.Permanent(fmt.Errorf("%w: %s", ErrUnknownNetwork, key.Network))
	}

	start := time.Now()

	var (
		payload chunkstore.Payload
		err     error
	)

	switch key.Kind {
	case cachekey.KindEvents:
		payload, err = f.fetchLogs(ctx, client, key, r)
	case cachekey.KindTimestamps:
		payload, err = f.perBlock(ctx, r, func(ctx context.Context, n uint64) ([]byte, error) {
			ts, err := client.BlockTimestamp(ctx, n)
			if err != nil {
				return nil, err
			}

			return []byte(strconv.FormatUint(ts, 10)), nil
		})
	case cachekey.KindBalances:
		payload, err = f.perBlock(ctx, r, func(ctx context.Context, n uint64) ([]byte, error) {
			var (
				v    *big.Int
				cerr error
			)

			if key.Token == cachekey.NativeToken {
				v, cerr = client.GetBalance(ctx, key.Holder, n)
			} else {
				v, cerr = client.CallUint256(ctx, key.Token, balanceOfData(key.Holder), n)
			}

			if cerr != nil {
				return nil, cerr
			}

			return []byte(v.String()), nil
		})
	case cachekey.KindTotalSupply:
		payload, err = f.perBlock(ctx, r, func(ctx context.Context, n uint64) ([]byte, error) {
			v, err := client.CallUint256(ctx, key.Token, selectorTotalSupply, n)
			if err != nil {
				return nil, err
			}

			return []byte(v.String()), nil
		})
	default:
		return nil, orchestrator.Permanent(fmt.Errorf("%w: kind %q", cachekey.ErrInvalidKey, key.Kind))
	}

	if err != nil {
		return nil, err
	}

	f.log.WithFields(logrus.Fields{
		"cache_key": key.String(),
		"range":     r.String(),
		"records":   len(payload),
		"duration":  time.Since(start),
	}).Debug("Fetched range")

	return payload, nil
}

// fetchLogs issues one eth_getLogs over r; each log becomes one record of its block
func (f *Fetchers) fetchLogs(ctx context.Context, client *Client, key cachekey.Key, r blockrange.Range) (chunkstore.Payload, error) {
	logs, err := client.GetLogs(ctx, LogFilter{
		FromBlock: r.Start,
		ToBlock:   r.End,
		Address:   key.Contract,
		Topic0:    key.Topic,
	})
	if err != nil {
		return nil, err
	}

	payload := make(chunkstore.Payload, 0, len(logs))

	for _, l := range logs {
		if l.Removed {
			continue
		}

		block, err := ParseHexUint64(l.BlockNumber)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(l)
		if err != nil {
			return nil, err
		}

		payload = append(payload, chunkstore.Record{Block: block, Data: data})
	}

	// Nodes return logs in order; keep fetch order within a block regardless.
	sort.SliceStable(payload, func(i, j int) bool { return payload[i].Block < payload[j].Block })

	return payload, nil
}

// perBlock calls fn for every block of r with bounded concurrency and keeps block order
func (f *Fetchers) perBlock(ctx context.Context, r blockrange.Range, fn func(ctx context.Context, n uint64) ([]byte, error)) (chunkstore.Payload, error) {
	payload := make(chunkstore.Payload, r.Len())

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i := range payload {
		n := r.Start + uint64(i)

		g.Go(func() error {
			data, err := fn(ctx, n)
			if err != nil {
				return fmt.Errorf("block %d: %w", n, err)
			}

			payload[i] = chunkstore.Record{Block: n, Data: data}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return payload, nil
}
