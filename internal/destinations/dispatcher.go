package destinations

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ratchetd/ratchet/internal/domain/delivery"
	"github.com/ratchetd/ratchet/internal/retry"
	"github.com/ratchetd/ratchet/internal/xerrors"
)

// Recorder persists one DeliveryResult per attempt.
type Recorder interface {
	Record(ctx context.Context, result delivery.Result) (delivery.Result, error)
}

// Outcome summarizes one destination's final state after retries.
type Outcome struct {
	Index           int     `json:"index"`
	DestinationType string  `json:"destination_type"`
	Success         bool    `json:"success"`
	Attempts        int     `json:"attempts"`
	Error           *string `json:"error"`
}

type DispatcherConfig struct {
	Env                     string
	DefaultRetry            RetryPolicyConfig
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
}

// Dispatcher fans a completed execution's output to its destinations.
// Destinations are attempted independently; each carries its own retry
// policy and each webhook/filesystem target gets a circuit breaker keyed by
// its descriptor summary.
type Dispatcher struct {
	cfg      DispatcherConfig
	recorder Recorder

	mu       sync.Mutex
	breakers map[string]*retry.CircuitBreaker
}

func NewDispatcher(cfg DispatcherConfig, recorder Recorder) *Dispatcher {
	if cfg.DefaultRetry.MaxAttempts <= 0 {
		cfg.DefaultRetry = RetryPolicyConfig{
			MaxAttempts:       3,
			InitialDelayMs:    500,
			MaxDelayMs:        30_000,
			BackoffMultiplier: 2.0,
		}
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	return &Dispatcher{
		cfg:      cfg,
		recorder: recorder,
		breakers: make(map[string]*retry.CircuitBreaker),
	}
}

func (d *Dispatcher) breakerFor(key string) *retry.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.breakers[key]
	if !ok {
		b = retry.NewCircuitBreaker(retry.BreakerConfig{
			FailureThreshold: d.cfg.BreakerFailureThreshold,
			SuccessThreshold: 1,
			Cooldown:         d.cfg.BreakerCooldown,
		})
		d.breakers[key] = b
	}
	return b
}

// Submit delivers payload to every descriptor, recording each attempt. One
// destination failing never aborts the others.
func (d *Dispatcher) Submit(ctx context.Context, executionID int64, payload json.RawMessage, dctx DeliveryContext, descs []Descriptor) []Outcome {
	if dctx.Env == "" {
		dctx.Env = d.cfg.Env
	}

	outcomes := make([]Outcome, len(descs))

	var wg sync.WaitGroup
	for i, desc := range descs {
		wg.Add(1)
		go func(i int, desc Descriptor) {
			defer wg.Done()
			outcomes[i] = d.deliverOne(ctx, executionID, payload, dctx, i, desc, true)
		}(i, desc)
	}
	wg.Wait()

	return outcomes
}

// Test exercises the rendering+connection path of each descriptor without an
// underlying execution; nothing is recorded.
func (d *Dispatcher) Test(ctx context.Context, descs []Descriptor) []Outcome {
	dctx := DeliveryContext{
		JobUUID:   "test",
		TaskName:  "test",
		Timestamp: time.Now().UTC(),
		Env:       d.cfg.Env,
	}
	payload := json.RawMessage(`{"test":true}`)

	outcomes := make([]Outcome, len(descs))
	for i, desc := range descs {
		outcomes[i] = d.deliverOne(ctx, 0, payload, dctx, i, desc, false)
	}
	return outcomes
}

func (d *Dispatcher) deliverOne(ctx context.Context, executionID int64, payload json.RawMessage, dctx DeliveryContext, index int, desc Descriptor, record bool) Outcome {
	outcome := Outcome{Index: index, DestinationType: desc.Type}

	dest, err := Build(desc)
	if err != nil {
		msg := err.Error()
		outcome.Error = &msg
		if record {
			d.record(ctx, executionID, desc, 1, nil, err)
		}
		return outcome
	}

	breaker := d.breakerFor(desc.Summary())

	policy := d.cfg.DefaultRetry
	if desc.RetryPolicy != nil {
		policy = *desc.RetryPolicy
		if policy.MaxAttempts <= 0 {
			policy.MaxAttempts = d.cfg.DefaultRetry.MaxAttempts
		}
	}

	bo := backoff.NewExponentialBackOff()
	if policy.InitialDelayMs > 0 {
		bo.InitialInterval = time.Duration(policy.InitialDelayMs) * time.Millisecond
	}
	if policy.MaxDelayMs > 0 {
		bo.MaxInterval = time.Duration(policy.MaxDelayMs) * time.Millisecond
	}
	if policy.BackoffMultiplier > 0 {
		bo.Multiplier = policy.BackoffMultiplier
	}
	bo.RandomizationFactor = 0.2

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++

		if !breaker.Allow() {
			err := retry.ErrCircuitOpen
			if record {
				d.record(ctx, executionID, desc, attempt, nil, err)
			}
			return struct{}{}, err
		}

		status, err := dest.Deliver(ctx, payload, dctx)
		if record {
			d.record(ctx, executionID, desc, attempt, status, err)
		}

		if err != nil {
			breaker.RecordFailure()
			if xerrors.IsPermanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}

		breaker.RecordSuccess()
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)

	outcome.Attempts = attempt
	if err != nil {
		msg := err.Error()
		outcome.Error = &msg
		slog.Default().WarnContext(ctx, "destination.delivery_failed",
			"destination", desc.Summary(),
			"attempts", attempt,
			"err", err,
		)
		return outcome
	}

	outcome.Success = true
	return outcome
}

func (d *Dispatcher) record(ctx context.Context, executionID int64, desc Descriptor, attempt int, httpStatus *int, attemptErr error) {
	if d.recorder == nil || executionID == 0 {
		return
	}

	res := delivery.New(executionID, desc.Summary())
	res.AttemptCount = attempt
	res.HTTPStatus = httpStatus
	res.Success = attemptErr == nil
	if attemptErr != nil {
		msg := attemptErr.Error()
		res.Error = &msg
	}

	if _, err := d.recorder.Record(ctx, res); err != nil {
		slog.Default().ErrorContext(ctx, "destination.record_failed",
			"destination", desc.Summary(),
			"err", err,
		)
	}
}
