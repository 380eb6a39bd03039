package chunkstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
)

var (
	// ErrNotCovered is returned by ReadRange when part of the request has no coverage
	ErrNotCovered = errors.New("range not covered")
	// ErrAlreadyCovered is returned by AppendChunk when the range overlaps existing coverage
	ErrAlreadyCovered = errors.New("range already covered")
	// ErrRechunkAbort is returned when a rechunk fails; the original chunks are untouched
	ErrRechunkAbort = errors.New("rechunk aborted")
	// ErrCommitConflict is returned when coverage changed between planning and committing
	// a write, which means the key lock was lost
	ErrCommitConflict = errors.New("coverage changed during commit")
	// ErrInvalidOptions is returned for unusable rechunk options
	ErrInvalidOptions = errors.New("invalid rechunk options")
)

// GapError names the sub-ranges of a read that are not covered
type GapError struct {
	Key     string
	Missing []blockrange.Range
}

func (e *GapError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		parts = append(parts, r.String())
	}

	return fmt.Sprintf("%s: %s missing %s", ErrNotCovered, e.Key, strings.Join(parts, ","))
}

// Is matches ErrNotCovered
func (e *GapError) Is(target error) bool {
	return target == ErrNotCovered
}
