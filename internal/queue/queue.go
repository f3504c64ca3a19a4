package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/retry"
)

// Store is the durable side of the queue; both the postgres and memory jobs
// repos satisfy it.
type Store interface {
	Create(ctx context.Context, req job.CreateRequest) (job.Job, error)
	DequeueReady(ctx context.Context, batchSize int) ([]job.Job, error)
	MarkForRetry(ctx context.Context, id int64, processAt time.Time, errMsg string) error
	Requeue(ctx context.Context, id int64, processAt time.Time) error
	Cancel(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	Complete(ctx context.Context, id int64) error
	MarkProcessing(ctx context.Context, id, executionID int64) error
	Status(ctx context.Context, id int64) (job.Status, error)
}

// Notifier wakes dequeuers ahead of the next poll tick. Optional; a nil
// notifier degrades to pure polling.
type Notifier interface {
	NotifyReady(ctx context.Context)
	Ready() <-chan struct{}
}

type Config struct {
	RetryPolicy retry.Policy
}

// Queue layers retry scheduling and ready notifications over the durable
// store.
type Queue struct {
	store    Store
	notifier Notifier
	policy   retry.Policy
}

func New(store Store, notifier Notifier, cfg Config) *Queue {
	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{
			InitialDelay:  time.Second,
			MaxDelay:      5 * time.Minute,
			BackoffFactor: 2.0,
			Jitter:        true,
		}
	}

	return &Queue{store: store, notifier: notifier, policy: policy}
}

func (q *Queue) Enqueue(ctx context.Context, req job.CreateRequest) (job.Job, error) {
	j, err := q.store.Create(ctx, req)
	if err != nil {
		return job.Job{}, err
	}

	if q.notifier != nil && j.Status == job.StatusQueued {
		q.notifier.NotifyReady(ctx)
	}

	slog.Default().InfoContext(ctx, "queue.enqueue",
		"job_id", j.ID,
		"job_uuid", j.UUID,
		"task_id", j.TaskID,
		"priority", j.Priority,
		"status", j.Status,
	)
	return j, nil
}

func (q *Queue) DequeueReady(ctx context.Context, batchSize int) ([]job.Job, error) {
	return q.store.DequeueReady(ctx, batchSize)
}

// ScheduleRetry computes the backoff for the job's next attempt and flips it
// to retrying. The job's own retry_delay_seconds overrides the policy base
// when set above the default.
func (q *Queue) ScheduleRetry(ctx context.Context, j job.Job, cause error) error {
	policy := q.policy
	if j.RetryDelaySeconds > 1 {
		policy.InitialDelay = time.Duration(j.RetryDelaySeconds) * time.Second
	}

	attempt := j.RetryCount + 1
	delay := policy.DelayForAttempt(attempt)
	processAt := time.Now().UTC().Add(delay)

	if err := q.store.MarkForRetry(ctx, j.ID, processAt, cause.Error()); err != nil {
		return err
	}

	slog.Default().InfoContext(ctx, "queue.retry_scheduled",
		"job_id", j.ID,
		"attempt", attempt,
		"max_retries", j.MaxRetries,
		"process_at", processAt.Format(time.RFC3339),
		"err", cause,
	)
	return nil
}

func (q *Queue) Cancel(ctx context.Context, id int64) error {
	return q.store.Cancel(ctx, id)
}

// Requeue defers a claimed job without touching its retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64, delay time.Duration) error {
	return q.store.Requeue(ctx, id, time.Now().UTC().Add(delay))
}

func (q *Queue) MarkProcessing(ctx context.Context, id, executionID int64) error {
	return q.store.MarkProcessing(ctx, id, executionID)
}

func (q *Queue) Complete(ctx context.Context, id int64) error {
	return q.store.Complete(ctx, id)
}

func (q *Queue) Fail(ctx context.Context, id int64, errMsg string) error {
	return q.store.Fail(ctx, id, errMsg)
}

func (q *Queue) Status(ctx context.Context, id int64) (job.Status, error) {
	return q.store.Status(ctx, id)
}

// Ready exposes the notifier's wake-up channel, nil when polling only.
func (q *Queue) Ready() <-chan struct{} {
	if q.notifier == nil {
		return nil
	}
	return q.notifier.Ready()
}
