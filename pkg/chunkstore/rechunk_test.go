package chunkstore

import (
	"context"
	"testing"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedChunks(t *testing.T, f *fixture, step uint64, size int, ranges ...blockrange.Range) Payload {
	t.Helper()

	all := make(Payload, 0)

	for _, r := range ranges {
		p := makePayload(r, step, size)
		_, err := f.store.AppendChunk(context.Background(), testKey, r, p)
		require.NoError(t, err)

		all = append(all, p...)
	}

	return all
}

func chunkRanges(t *testing.T, f *fixture) []blockrange.Range {
	t.Helper()

	chunks, err := f.store.Chunks(context.Background(), testKey)
	require.NoError(t, err)

	out := make([]blockrange.Range, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Range)
	}

	return out
}

func TestRechunkMergesSmallChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Ten 1000-byte records per chunk puts each chunk a little above 10KB.
	seedChunks(t, f, 10, 1000, rg(0, 99), rg(100, 199), rg(200, 299))

	before, err := f.store.Chunks(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, before, 3)

	for _, c := range before {
		assert.InDelta(t, 10_000, c.ByteSize, 200)
	}

	read, err := f.store.ReadRange(ctx, testKey, 0, 299)
	require.NoError(t, err)

	plan, err := f.store.Rechunk(ctx, testKey, RechunkOptions{TargetBytes: 25_000})
	require.NoError(t, err)
	assert.True(t, plan.Applied)
	assert.Equal(t, 1, plan.Merges())
	assert.Equal(t, 0, plan.Splits())
	assert.Equal(t, 2, plan.ChunksAfter())

	after, err := f.store.Chunks(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, rg(0, 199), after[0].Range)
	assert.Equal(t, before[0].ByteSize+before[1].ByteSize, after[0].ByteSize)
	assert.Equal(t, before[2], after[1])

	got, err := f.store.ReadRange(ctx, testKey, 0, 299)
	require.NoError(t, err)
	assert.Equal(t, read, got)

	rec, err := f.store.Coverage().Ranges(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, []blockrange.Range{rg(0, 299)}, rec.Ranges)

	// Replaced payloads are gone, the kept one and the merged one remain.
	assert.Equal(t, 2, f.blobs.Len())
}

func TestRechunkSplitsOversizedChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seedChunks(t, f, 1, 100, rg(0, 999))

	read, err := f.store.ReadRange(ctx, testKey, 0, 999)
	require.NoError(t, err)

	plan, err := f.store.Rechunk(ctx, testKey, RechunkOptions{TargetBytes: 25_000})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Splits())

	assert.Equal(t, []blockrange.Range{
		rg(0, 199), rg(200, 399), rg(400, 599), rg(600, 799), rg(800, 999),
	}, chunkRanges(t, f))

	got, err := f.store.ReadRange(ctx, testKey, 0, 999)
	require.NoError(t, err)
	assert.Equal(t, read, got)
	assert.Equal(t, 5, f.blobs.Len())
}

func TestRechunkDryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seedChunks(t, f, 10, 1000, rg(0, 99), rg(100, 199), rg(200, 299))

	plan, err := f.store.Rechunk(ctx, testKey, RechunkOptions{TargetBytes: 25_000, DryRun: true})
	require.NoError(t, err)
	assert.False(t, plan.Applied)
	assert.True(t, plan.Changed())
	assert.Equal(t, 2, plan.ChunksAfter())

	assert.Equal(t, []blockrange.Range{rg(0, 99), rg(100, 199), rg(200, 299)}, chunkRanges(t, f))
	assert.Equal(t, 3, f.blobs.Len())
}

func TestRechunkBalancedIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seedChunks(t, f, 10, 1000, rg(0, 99), rg(100, 199))

	plan, err := f.store.Rechunk(ctx, testKey, RechunkOptions{TargetBytes: 12_000})
	require.NoError(t, err)
	assert.False(t, plan.Changed())
	assert.False(t, plan.Applied)
	assert.Equal(t, []blockrange.Range{rg(0, 99), rg(100, 199)}, chunkRanges(t, f))
}

func TestRechunkAbortKeepsOriginals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seedChunks(t, f, 10, 1000, rg(0, 99), rg(100, 199), rg(200, 299), rg(300, 399))

	read, err := f.store.ReadRange(ctx, testKey, 0, 399)
	require.NoError(t, err)

	// The first merged payload is stored, the second fails.
	puts := 0
	f.blobs.PutFunc = func(_ context.Context, _ string, _ []byte) error {
		puts++
		if puts == 2 {
			return errInjected
		}

		return nil
	}

	plan, err := f.store.Rechunk(ctx, testKey, RechunkOptions{TargetBytes: 25_000})
	require.ErrorIs(t, err, ErrRechunkAbort)
	require.ErrorIs(t, err, errInjected)
	assert.False(t, plan.Applied)
	assert.Equal(t, 2, plan.Merges())

	assert.Equal(t, []blockrange.Range{rg(0, 99), rg(100, 199), rg(200, 299), rg(300, 399)}, chunkRanges(t, f))
	assert.Equal(t, 4, f.blobs.Len())

	got, err := f.store.ReadRange(ctx, testKey, 0, 399)
	require.NoError(t, err)
	assert.Equal(t, read, got)
}

func TestRechunkWithin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seedChunks(t, f, 10, 1000, rg(0, 99), rg(100, 199), rg(200, 299), rg(300, 399))

	within := rg(150, 399)
	plan, err := f.store.Rechunk(ctx, testKey, RechunkOptions{TargetBytes: 25_000, Within: &within})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Merges())

	assert.Equal(t, []blockrange.Range{rg(0, 99), rg(100, 199), rg(200, 399)}, chunkRanges(t, f))
}

func TestRechunkOptionsValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		opts RechunkOptions
	}{
		{name: "zero target", opts: RechunkOptions{}},
		{name: "negative target", opts: RechunkOptions{TargetBytes: -1}},
		{name: "split factor below one", opts: RechunkOptions{TargetBytes: 10, SplitFactor: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Rechunk(context.Background(), testKey, tt.opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	reversed := rg(10, 5)
	_, err := f.store.Rechunk(context.Background(), testKey, RechunkOptions{TargetBytes: 10, Within: &reversed})
	require.ErrorIs(t, err, blockrange.ErrInvalidRange)
}

func TestBuildPlan(t *testing.T) {
	chunk := func(id string, start, end uint64, size int64) Chunk {
		return Chunk{ID: id, Range: rg(start, end), ByteSize: size}
	}

	tests := []struct {
		name    string
		chunks  []Chunk
		target  int64
		actions []Action
		outputs []blockrange.Range
	}{
		{
			name:    "empty",
			chunks:  nil,
			target:  100,
			actions: []Action{},
			outputs: []blockrange.Range{},
		},
		{
			name:    "greedy merge",
			chunks:  []Chunk{chunk("a", 0, 9, 40), chunk("b", 10, 19, 40), chunk("c", 20, 29, 40)},
			target:  100,
			actions: []Action{ActionMerge, ActionKeep},
			outputs: []blockrange.Range{rg(0, 19), rg(20, 29)},
		},
		{
			name:    "gap breaks a merge",
			chunks:  []Chunk{chunk("a", 0, 9, 10), chunk("b", 20, 29, 10)},
			target:  100,
			actions: []Action{ActionKeep, ActionKeep},
			outputs: []blockrange.Range{rg(0, 9), rg(20, 29)},
		},
		{
			name:    "oversized chunk splits",
			chunks:  []Chunk{chunk("a", 0, 9, 10), chunk("b", 10, 109, 450), chunk("c", 110, 119, 10)},
			target:  100,
			actions: []Action{ActionKeep, ActionSplit, ActionKeep},
			outputs: []blockrange.Range{
				rg(0, 9),
				rg(10, 29), rg(30, 49), rg(50, 69), rg(70, 89), rg(90, 109),
				rg(110, 119),
			},
		},
		{
			name:    "split spreads the remainder",
			chunks:  []Chunk{chunk("a", 0, 9, 60)},
			target:  10,
			actions: []Action{ActionSplit},
			outputs: []blockrange.Range{rg(0, 1), rg(2, 3), rg(4, 5), rg(6, 7), rg(8, 8), rg(9, 9)},
		},
		{
			name:    "split is capped at one block per piece",
			chunks:  []Chunk{chunk("a", 5, 7, 1000)},
			target:  10,
			actions: []Action{ActionSplit},
			outputs: []blockrange.Range{rg(5, 5), rg(6, 6), rg(7, 7)},
		},
		{
			name:    "single block chunk cannot split",
			chunks:  []Chunk{chunk("a", 5, 5, 1000)},
			target:  10,
			actions: []Action{ActionKeep},
			outputs: []blockrange.Range{rg(5, 5)},
		},
		{
			name:    "above target but under split threshold",
			chunks:  []Chunk{chunk("a", 0, 9, 150)},
			target:  100,
			actions: []Action{ActionKeep},
			outputs: []blockrange.Range{rg(0, 9)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := BuildPlan(tt.chunks, tt.target, DefaultSplitFactor)

			actions := make([]Action, 0)
			outputs := make([]blockrange.Range, 0)

			for _, g := range groups {
				actions = append(actions, g.Action)
				for _, o := range g.Outputs {
					outputs = append(outputs, o.Range)
				}
			}

			assert.Equal(t, tt.actions, actions)
			assert.Equal(t, tt.outputs, outputs)
		})
	}
}

func TestVerifyGroupRejectsChangedContent(t *testing.T) {
	inputs := []Chunk{{Range: rg(0, 9)}, {Range: rg(10, 19)}}
	in := [][]byte{{1, 2}, {3}}

	require.NoError(t, verifyGroup(inputs, []Chunk{{Range: rg(0, 19)}}, in, [][]byte{{1, 2, 3}}))
	require.ErrorIs(t, verifyGroup(inputs, []Chunk{{Range: rg(0, 19)}}, in, [][]byte{{1, 2}}), errContentChanged)
	require.ErrorIs(t, verifyGroup(inputs, []Chunk{{Range: rg(0, 18)}}, in, [][]byte{{1, 2, 3}}), errUnionChanged)
	require.ErrorIs(t, verifyGroup(inputs, []Chunk{{Range: rg(0, 12)}, {Range: rg(10, 19)}}, in, [][]byte{{1, 2}, {3}}), errOutputsOverlap)
}
