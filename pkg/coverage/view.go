package coverage

import (
	"context"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/cachekey"
)

// StaleFunc reports whether the stored rows of namespace were written in an outdated format
type StaleFunc func(ctx context.Context, namespace string) (bool, error)

// View reads an Index through a format check: a namespace with stale rows reads as holding
// nothing, whatever its coverage rows say.
type View struct {
	index *Index
	stale StaleFunc
}

// NewView wraps index. A nil stale func treats every namespace as current.
func NewView(index *Index, stale StaleFunc) *View {
	return &View{index: index, stale: stale}
}

// Stale reports whether the coverage of key must be ignored
func (v *View) Stale(ctx context.Context, key cachekey.Key) (bool, error) {
	if v.stale == nil {
		return false, nil
	}

	return v.stale(ctx, key.Namespace())
}

// Ranges returns the normalized record of key, empty for a stale namespace
func (v *View) Ranges(ctx context.Context, key cachekey.Key) (Record, error) {
	stale, err := v.Stale(ctx, key)
	if err != nil {
		return Record{Key: key}, err
	}

	if stale {
		return Record{Key: key, Ranges: []blockrange.Range{}}, nil
	}

	return v.index.Ranges(ctx, key)
}

// GapsFor returns the uncovered parts of [start, end]. A stale namespace yields the whole
// request as one gap.
func (v *View) GapsFor(ctx context.Context, key cachekey.Key, start, end uint64) ([]blockrange.Range, error) {
	request, err := blockrange.New(start, end)
	if err != nil {
		return nil, err
	}

	stale, err := v.Stale(ctx, key)
	if err != nil {
		return nil, err
	}

	if stale {
		return []blockrange.Range{request}, nil
	}

	return v.index.GapsFor(ctx, key, start, end)
}

// IsCovered classifies how much of r is covered for key
func (v *View) IsCovered(ctx context.Context, key cachekey.Key, r blockrange.Range) (Status, error) {
	gaps, err := v.GapsFor(ctx, key, r.Start, r.End)
	if err != nil {
		return None, err
	}

	return StatusOf(r, gaps), nil
}
