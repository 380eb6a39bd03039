package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/coverage"
)

var (
	// ErrInvalidRetryPolicy is returned for unusable retry settings
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// RetryPolicy is a bounded exponential backoff
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"maxAttempts" default:"3"`
	InitialBackoff time.Duration `yaml:"initialBackoff" default:"200ms"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" default:"5s"`
	Multiplier     float64       `yaml:"multiplier" default:"2"`
}

// Validate validates the policy
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidRetryPolicy)
	case p.InitialBackoff < 0 || p.MaxBackoff < 0:
		return fmt.Errorf("%w: backoff must not be negative", ErrInvalidRetryPolicy)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidRetryPolicy)
	}

	return nil
}

// Backoff returns the wait before attempt (1-based); the first attempt does not wait
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-2))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}

	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error or the attempt budget is
// spent. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error

	for attempt := 1; attempt <= max(p.MaxAttempts, 1); attempt++ {
		if wait := p.Backoff(attempt); wait > 0 {
			timer := time.NewTimer(wait)

			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), err)
			case <-timer.C:
			}
		}

		err = fn(ctx, attempt)
		if err == nil || !retryable(ctx, err) {
			return unwrapPermanent(err)
		}
	}

	return err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	if p, ok := err.(*permanentError); ok { //nolint:errorlint // only the outermost wrapper is stripped
		return p.err
	}

	return err
}

func retryable(ctx context.Context, err error) bool {
	var p *permanentError

	switch {
	case ctx.Err() != nil:
		return false
	case errors.As(err, &p):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, blockrange.ErrInvalidRange), errors.Is(err, coverage.ErrCoverageCorruption):
		return false
	}

	return true
}
