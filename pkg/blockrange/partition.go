package blockrange

import (
	"fmt"
	"math"
)

// PartitionOptions controls how Partition slices a range
type PartitionOptions struct {
	// RoundBounds snaps piece boundaries to multiples of the chunk size
	RoundBounds bool
	// TrimOuterBounds clips the first and last rounded pieces back to the request
	TrimOuterBounds bool
	// IndexMode emits exclusive ends (start+size) instead of inclusive ones
	IndexMode bool
}

// Partition slices [start, end] into chunkSize-wide pieces.
//
// In exact mode the first piece starts at start and the final piece may be shorter.
// With RoundBounds the pieces are aligned to multiples of chunkSize. With IndexMode the
// End of every piece is the exclusive bound of that piece and end itself is treated as
// exclusive.
func Partition(start, end, chunkSize uint64, opts PartitionOptions) ([]Range, error) {
	if start > end {
		return nil, fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
	}

	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidRange)
	}

	if opts.RoundBounds {
		return partitionRounded(start, end, chunkSize, opts), nil
	}

	return partitionExact(start, end, chunkSize, opts.IndexMode), nil
}

func partitionExact(start, end, size uint64, indexMode bool) []Range {
	pieces := make([]Range, 0, (end-start)/size+1)

	if indexMode {
		if start == end {
			return append(pieces, Range{Start: start, End: end})
		}

		for s := start; s < end; {
			e := end
			if end-s > size {
				e = s + size
			}

			pieces = append(pieces, Range{Start: s, End: e})
			s = e
		}

		return pieces
	}

	for s := start; ; {
		e := end
		if end-s >= size {
			e = s + size - 1
		}

		pieces = append(pieces, Range{Start: s, End: e})
		if e == end {
			return pieces
		}

		s = e + 1
	}
}

func partitionRounded(start, end, size uint64, opts PartitionOptions) []Range {
	pieces := make([]Range, 0, (end-start)/size+2)

	for b := (start / size) * size; ; {
		last := b > math.MaxUint64-size || b+size > end
		if opts.IndexMode {
			last = b > math.MaxUint64-size || b+size >= end
		}

		var e uint64
		switch {
		case b > math.MaxUint64-size:
			e = math.MaxUint64
		case opts.IndexMode:
			e = b + size
		default:
			e = b + size - 1
		}

		pieces = append(pieces, Range{Start: b, End: e})
		if last {
			break
		}

		b += size
	}

	if opts.TrimOuterBounds {
		pieces[0].Start = max(pieces[0].Start, start)
		pieces[len(pieces)-1].End = min(pieces[len(pieces)-1].End, end)
	}

	return pieces
}
