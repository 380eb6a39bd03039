package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
)

var (
	// ErrFetchFailure is matched by every *FetchFailure
	ErrFetchFailure = errors.New("fetch failed")
	// ErrInvalidPayload is returned when a fetch returns records outside its sub-range
	ErrInvalidPayload = errors.New("fetch returned an invalid payload")
)

// FetchFailure reports a request that could not be completed. Missing names exactly the
// sub-ranges still uncovered; everything else requested was committed and a retry of the
// same request fetches only Missing.
type FetchFailure struct {
	Key     string
	Missing []blockrange.Range
	Causes  []error
}

func (e *FetchFailure) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		parts = append(parts, r.String())
	}

	msg := fmt.Sprintf("%s: %s missing %s", ErrFetchFailure, e.Key, strings.Join(parts, ","))
	if len(e.Causes) > 0 {
		msg += ": " + e.Causes[0].Error()
		if len(e.Causes) > 1 {
			msg += fmt.Sprintf(" (and %d more)", len(e.Causes)-1)
		}
	}

	return msg
}

// Is matches ErrFetchFailure
func (e *FetchFailure) Is(target error) bool {
	return target == ErrFetchFailure
}

// Unwrap exposes the fetch errors
func (e *FetchFailure) Unwrap() []error {
	return e.Causes
}
