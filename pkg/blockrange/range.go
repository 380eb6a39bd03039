// Package blockrange provides inclusive block-number interval arithmetic used by the
// coverage index, the chunk store and the fetch orchestrator.
package blockrange

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidRange is returned when a range is inverted, empty or otherwise unusable
	ErrInvalidRange = errors.New("invalid range")
	// ErrNotNormalized is returned when a range list is not sorted, disjoint and non-adjacent
	ErrNotNormalized = errors.New("ranges are not normalized")
)

// Range is an inclusive [Start, End] interval of block numbers
type Range struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
}

// New creates a validated range
func New(start, end uint64) (Range, error) {
	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}

	return r, nil
}

// Validate checks that the range is not inverted
func (r Range) Validate() error {
	if r.Start > r.End {
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, r.Start, r.End)
	}

	return nil
}

// Len returns the number of blocks in the range
func (r Range) Len() uint64 {
	return r.End - r.Start + 1
}

// Contains reports whether block lies inside the range
func (r Range) Contains(block uint64) bool {
	return block >= r.Start && block <= r.End
}

// ContainsRange reports whether o lies entirely inside r
func (r Range) ContainsRange(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}

// Overlaps reports whether r and o share at least one block
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Adjacent reports whether r and o touch without overlapping
func (r Range) Adjacent(o Range) bool {
	return (r.End != math.MaxUint64 && r.End+1 == o.Start) ||
		(o.End != math.MaxUint64 && o.End+1 == r.Start)
}

// Intersect returns the shared part of r and o
func (r Range) Intersect(o Range) (Range, bool) {
	if !r.Overlaps(o) {
		return Range{}, false
	}

	return Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}, true
}

// Expand widens the range by one block on each side, saturating at the uint64 bounds.
// The result overlaps every range that overlaps or is adjacent to r.
func (r Range) Expand() Range {
	out := r
	if out.Start > 0 {
		out.Start--
	}
	if out.End < math.MaxUint64 {
		out.End++
	}

	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Total returns the number of blocks across all ranges
func Total(ranges []Range) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}

	return total
}

// Clip intersects every range with window, dropping ranges outside it
func Clip(ranges []Range, window Range) []Range {
	out := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if in, ok := r.Intersect(window); ok {
			out = append(out, in)
		}
	}

	return out
}

// CheckNormalized verifies that ranges are valid, sorted ascending, pairwise
// non-overlapping and never adjacent
func CheckNormalized(ranges []Range) error {
	for i, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}

		if i == 0 {
			continue
		}

		prev := ranges[i-1]
		if r.Start <= prev.End {
			return fmt.Errorf("%w: %s overlaps or precedes %s", ErrNotNormalized, r, prev)
		}
		if prev.Adjacent(r) {
			return fmt.Errorf("%w: %s is adjacent to %s", ErrNotNormalized, prev, r)
		}
	}

	return nil
}
