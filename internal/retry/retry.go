package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ratchetd/ratchet/internal/xerrors"
)

var (
	ErrMaxAttempts  = errors.New("max retry attempts exceeded")
	ErrNonRetryable = errors.New("non-retryable error")
)

// Policy describes the backoff applied between attempts:
// delay = InitialDelay * BackoffFactor^(attempt-1), capped at MaxDelay.
// With Jitter the delay is multiplied by a uniform factor in [0.8, 1.2].
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// DelayForAttempt computes the wait before the given attempt (1-based; the
// first attempt has no delay, so attempt here is the retry number).
func (p Policy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	multiple := math.Pow(factor, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * multiple)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter {
		jitter := 0.8 + rand.Float64()*0.4
		delay = time.Duration(float64(delay) * jitter)
	}

	return delay
}

// Executor wraps an operation with the retry policy. Errors classified
// permanent by the taxonomy short-circuit with ErrNonRetryable.
type Executor struct {
	policy Policy
}

func NewExecutor(policy Policy) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Executor{policy: policy}
}

func (e *Executor) Policy() Policy { return e.policy }

func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if xerrors.IsPermanent(lastErr) {
			return fmt.Errorf("%w: %w", ErrNonRetryable, lastErr)
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.DelayForAttempt(attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, e.policy.MaxAttempts, lastErr)
}
