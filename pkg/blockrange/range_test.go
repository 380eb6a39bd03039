package blockrange

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func r(start, end uint64) Range {
	return Range{Start: start, End: end}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name              string
		input             []Range
		includeContiguous bool
		expected          []Range
	}{
		{
			name:     "single range",
			input:    []Range{r(5, 10)},
			expected: []Range{r(5, 10)},
		},
		{
			name:     "overlapping unsorted",
			input:    []Range{r(20, 30), r(5, 10), r(8, 22)},
			expected: []Range{r(5, 30)},
		},
		{
			name:     "adjacent kept apart without contiguous",
			input:    []Range{r(0, 9), r(10, 19)},
			expected: []Range{r(0, 9), r(10, 19)},
		},
		{
			name:              "adjacent merged with contiguous",
			input:             []Range{r(10, 19), r(0, 9)},
			includeContiguous: true,
			expected:          []Range{r(0, 19)},
		},
		{
			name:              "nested ranges",
			input:             []Range{r(0, 100), r(10, 20), r(50, 60)},
			includeContiguous: true,
			expected:          []Range{r(0, 100)},
		},
		{
			name:              "gap of one block stays",
			input:             []Range{r(0, 9), r(11, 19)},
			includeContiguous: true,
			expected:          []Range{r(0, 9), r(11, 19)},
		},
		{
			name:              "max uint64 does not wrap",
			input:             []Range{r(math.MaxUint64-1, math.MaxUint64), r(0, 0)},
			includeContiguous: true,
			expected:          []Range{r(0, 0), r(math.MaxUint64-1, math.MaxUint64)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(tt.input, tt.includeContiguous)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMergeErrors(t *testing.T) {
	_, err := Merge(nil, true)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = Merge([]Range{r(10, 5)}, false)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestMergeIsNormalizedAndIdempotent(t *testing.T) {
	input := []Range{r(40, 50), r(1, 3), r(4, 4), r(45, 70), r(90, 95), r(72, 80)}

	once, err := Merge(input, true)
	require.NoError(t, err)
	require.NoError(t, CheckNormalized(once))

	twice, err := Merge(once, true)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, []Range{r(1, 4), r(40, 70), r(72, 80), r(90, 95)}, once)
}

func TestGap(t *testing.T) {
	tests := []struct {
		name     string
		covered  []Range
		request  Range
		expected []Range
	}{
		{
			name:     "two disjoint coverage ranges",
			covered:  []Range{r(100, 199), r(300, 399)},
			request:  r(50, 350),
			expected: []Range{r(50, 99), r(200, 299)},
		},
		{
			name:     "nothing covered",
			covered:  nil,
			request:  r(10, 20),
			expected: []Range{r(10, 20)},
		},
		{
			name:     "full hit",
			covered:  []Range{r(0, 1000)},
			request:  r(10, 20),
			expected: []Range{},
		},
		{
			name:     "covered by adjacent pieces",
			covered:  []Range{r(10, 14), r(15, 20)},
			request:  r(10, 20),
			expected: []Range{},
		},
		{
			name:     "coverage outside request",
			covered:  []Range{r(0, 5), r(30, 40)},
			request:  r(10, 20),
			expected: []Range{r(10, 20)},
		},
		{
			name:     "unsorted overlapping coverage",
			covered:  []Range{r(18, 25), r(5, 12), r(10, 13)},
			request:  r(10, 20),
			expected: []Range{r(14, 17)},
		},
		{
			name:     "single block request uncovered",
			covered:  []Range{r(0, 4), r(6, 9)},
			request:  r(5, 5),
			expected: []Range{r(5, 5)},
		},
		{
			name:     "request at uint64 ceiling",
			covered:  []Range{r(math.MaxUint64-5, math.MaxUint64)},
			request:  r(math.MaxUint64-10, math.MaxUint64),
			expected: []Range{r(math.MaxUint64-10, math.MaxUint64-6)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Gap(tt.covered, tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGapProperties(t *testing.T) {
	covered := []Range{r(3, 7), r(12, 12), r(20, 35), r(36, 40), r(55, 60)}

	for start := uint64(0); start < 70; start += 3 {
		for end := start; end < 70; end += 5 {
			request := r(start, end)

			gaps, err := Gap(covered, request)
			require.NoError(t, err)
			require.NoError(t, CheckNormalized(gaps))

			for _, g := range gaps {
				assert.True(t, request.ContainsRange(g), "gap %s outside request %s", g, request)
				for _, c := range covered {
					assert.False(t, g.Overlaps(c), "gap %s overlaps coverage %s", g, c)
				}
			}

			// Gaps plus the covered part of the request reconstruct the request.
			all := append(Clip(covered, request), gaps...)
			union, err := Merge(all, true)
			require.NoError(t, err)
			assert.Equal(t, []Range{request}, union)
		}
	}
}

func TestGapRejectsInvertedRequest(t *testing.T) {
	_, err := Gap(nil, r(10, 5))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestPartitionExact(t *testing.T) {
	tests := []struct {
		name      string
		start     uint64
		end       uint64
		chunkSize uint64
		expected  []Range
	}{
		{
			name:      "short final slice",
			start:     390,
			end:       710,
			chunkSize: 100,
			expected:  []Range{r(390, 489), r(490, 589), r(590, 689), r(690, 710)},
		},
		{
			name:      "exact multiple",
			start:     0,
			end:       99,
			chunkSize: 50,
			expected:  []Range{r(0, 49), r(50, 99)},
		},
		{
			name:      "single block",
			start:     7,
			end:       7,
			chunkSize: 10,
			expected:  []Range{r(7, 7)},
		},
		{
			name:      "chunk larger than range",
			start:     10,
			end:       15,
			chunkSize: 1000,
			expected:  []Range{r(10, 15)},
		},
		{
			name:      "ceiling without overflow",
			start:     math.MaxUint64 - 4,
			end:       math.MaxUint64,
			chunkSize: 2,
			expected: []Range{
				r(math.MaxUint64-4, math.MaxUint64-3),
				r(math.MaxUint64-2, math.MaxUint64-1),
				r(math.MaxUint64, math.MaxUint64),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Partition(tt.start, tt.end, tt.chunkSize, PartitionOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPartitionOptions(t *testing.T) {
	tests := []struct {
		name     string
		start    uint64
		end      uint64
		size     uint64
		opts     PartitionOptions
		expected []Range
	}{
		{
			name:     "round bounds",
			start:    390,
			end:      710,
			size:     100,
			opts:     PartitionOptions{RoundBounds: true},
			expected: []Range{r(300, 399), r(400, 499), r(500, 599), r(600, 699), r(700, 799)},
		},
		{
			name:     "round bounds trimmed",
			start:    390,
			end:      710,
			size:     100,
			opts:     PartitionOptions{RoundBounds: true, TrimOuterBounds: true},
			expected: []Range{r(390, 399), r(400, 499), r(500, 599), r(600, 699), r(700, 710)},
		},
		{
			name:     "index mode",
			start:    0,
			end:      250,
			size:     100,
			opts:     PartitionOptions{IndexMode: true},
			expected: []Range{r(0, 100), r(100, 200), r(200, 250)},
		},
		{
			name:     "index mode empty span",
			start:    5,
			end:      5,
			size:     100,
			opts:     PartitionOptions{IndexMode: true},
			expected: []Range{r(5, 5)},
		},
		{
			name:     "index mode rounded",
			start:    30,
			end:      200,
			size:     100,
			opts:     PartitionOptions{IndexMode: true, RoundBounds: true},
			expected: []Range{r(0, 100), r(100, 200)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Partition(tt.start, tt.end, tt.size, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPartitionReconstructsRequest(t *testing.T) {
	for _, size := range []uint64{1, 3, 7, 100, 1000} {
		for _, req := range []Range{r(0, 0), r(1, 99), r(390, 710), r(1000, 4321)} {
			pieces, err := Partition(req.Start, req.End, size, PartitionOptions{})
			require.NoError(t, err)

			assert.Equal(t, req.Start, pieces[0].Start)
			assert.Equal(t, req.End, pieces[len(pieces)-1].End)

			for i, p := range pieces {
				assert.LessOrEqual(t, p.Len(), size)
				if i > 0 {
					assert.Equal(t, pieces[i-1].End+1, p.Start)
				}
			}

			assert.Equal(t, req.Len(), Total(pieces))
		}
	}
}

func TestPartitionErrors(t *testing.T) {
	_, err := Partition(10, 5, 1, PartitionOptions{})
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = Partition(0, 5, 0, PartitionOptions{})
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestFromPoints(t *testing.T) {
	got := FromPoints([]uint64{9, 3, 4, 5, 5, 12, 10, 1})
	assert.Equal(t, []Range{r(1, 1), r(3, 5), r(9, 10), r(12, 12)}, got)
	assert.Nil(t, FromPoints(nil))
}

func TestCheckNormalized(t *testing.T) {
	require.NoError(t, CheckNormalized([]Range{r(0, 4), r(6, 9)}))
	require.ErrorIs(t, CheckNormalized([]Range{r(0, 4), r(5, 9)}), ErrNotNormalized)
	require.ErrorIs(t, CheckNormalized([]Range{r(0, 4), r(3, 9)}), ErrNotNormalized)
	require.ErrorIs(t, CheckNormalized([]Range{r(6, 9), r(0, 4)}), ErrNotNormalized)
}

func TestRangeHelpers(t *testing.T) {
	a := r(10, 20)

	assert.Equal(t, uint64(11), a.Len())
	assert.True(t, a.Contains(10))
	assert.False(t, a.Contains(21))
	assert.True(t, a.Adjacent(r(21, 30)))
	assert.True(t, a.Adjacent(r(0, 9)))
	assert.False(t, a.Adjacent(r(20, 30)))
	assert.Equal(t, "[10,20]", a.String())

	in, ok := a.Intersect(r(15, 40))
	require.True(t, ok)
	assert.Equal(t, r(15, 20), in)

	_, ok = a.Intersect(r(21, 40))
	assert.False(t, ok)

	assert.Equal(t, r(0, math.MaxUint64), r(0, math.MaxUint64).Expand())
	assert.Equal(t, r(9, 21), a.Expand())
}
