package blockrange

import (
	"fmt"
	"math"
	"slices"
)

// Merge sorts ranges by start and merges overlapping pairs. When includeContiguous is
// set, ranges that touch (r1.End+1 == r2.Start) are merged as well.
func Merge(ranges []Range, includeContiguous bool) ([]Range, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: empty range list", ErrInvalidRange)
	}

	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	return coalesce(ranges, includeContiguous), nil
}

// coalesce merges already-validated ranges
func coalesce(ranges []Range, includeContiguous bool) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		if a.Start != b.Start {
			if a.Start < b.Start {
				return -1
			}
			return 1
		}
		if a.End < b.End {
			return -1
		}
		if a.End > b.End {
			return 1
		}
		return 0
	})

	merged := make([]Range, 0, len(sorted))
	cur := sorted[0]

	for _, next := range sorted[1:] {
		if joins(cur, next, includeContiguous) {
			cur.End = max(cur.End, next.End)
			continue
		}

		merged = append(merged, cur)
		cur = next
	}

	return append(merged, cur)
}

func joins(cur, next Range, includeContiguous bool) bool {
	if next.Start <= cur.End {
		return true
	}

	return includeContiguous && cur.End != math.MaxUint64 && next.Start == cur.End+1
}

// Gap subtracts covered from request and returns the sorted, disjoint remainder.
// covered does not need to be normalized. An empty result means request is fully covered.
func Gap(covered []Range, request Range) ([]Range, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	for _, c := range covered {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	gaps := make([]Range, 0)
	cursor := request.Start

	for _, c := range coalesce(covered, true) {
		if c.End < cursor {
			continue
		}
		if c.Start > request.End {
			break
		}

		if c.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: c.Start - 1})
		}

		if c.End >= request.End {
			return gaps, nil
		}

		cursor = c.End + 1
	}

	return append(gaps, Range{Start: cursor, End: request.End}), nil
}

// FromPoints collapses individual block numbers into normalized ranges
func FromPoints(blocks []uint64) []Range {
	if len(blocks) == 0 {
		return nil
	}

	sorted := slices.Clone(blocks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := make([]Range, 0)
	cur := Range{Start: sorted[0], End: sorted[0]}

	for _, b := range sorted[1:] {
		if b == cur.End+1 {
			cur.End = b
			continue
		}

		out = append(out, cur)
		cur = Range{Start: b, End: b}
	}

	return append(out, cur)
}
