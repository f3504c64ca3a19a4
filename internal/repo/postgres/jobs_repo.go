package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/repo"
)

type JobsRepo struct {
	pool *pgxpool.Pool
	obs  observer
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, obs: observer{prom: prom}}
}

const jobColumns = `id, uuid, task_id, input, priority, status,
	retry_count, max_retries, retry_delay_seconds,
	process_at, queued_at, started_at, completed_at,
	execution_id, output_destinations, schedule_id, rate_key,
	last_error, idempotency_key, created_at, updated_at`

// priority sort expression: urgent > high > normal > low
const priorityWeight = `CASE priority
	WHEN 'urgent' THEN 3
	WHEN 'high' THEN 2
	WHEN 'normal' THEN 1
	ELSE 0 END`

func scanJob(row pgx.Row) (job.Job, error) {
	var j job.Job
	var status, priority string

	err := row.Scan(
		&j.ID, &j.UUID, &j.TaskID, &j.Input, &priority, &status,
		&j.RetryCount, &j.MaxRetries, &j.RetryDelaySeconds,
		&j.ProcessAt, &j.QueuedAt, &j.StartedAt, &j.CompletedAt,
		&j.ExecutionID, &j.OutputDestinations, &j.ScheduleID, &j.RateKey,
		&j.LastError, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.Status = job.Status(status)
	j.Priority = job.Priority(priority)
	return j, nil
}

func (r *JobsRepo) Create(ctx context.Context, req job.CreateRequest) (job.Job, error) {
	j, err := job.New(req)
	if err != nil {
		return job.Job{}, err
	}

	op := "jobs.create"
	err = r.obs.observe(op, func() error {
		return r.pool.QueryRow(ctx, `INSERT INTO jobs(
			uuid, task_id, input, priority, status,
			retry_count, max_retries, retry_delay_seconds,
			process_at, queued_at, output_destinations,
			schedule_id, rate_key, idempotency_key, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,
			$9,$10,$11,
			$12,$13,$14,$15,$16
		) RETURNING id`,
			j.UUID, j.TaskID, j.Input, string(j.Priority), string(j.Status),
			j.RetryCount, j.MaxRetries, j.RetryDelaySeconds,
			j.ProcessAt, j.QueuedAt, j.OutputDestinations,
			j.ScheduleID, j.RateKey, j.IdempotencyKey, j.CreatedAt, j.UpdatedAt,
		).Scan(&j.ID)
	})

	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (r *JobsRepo) GetByID(ctx context.Context, id int64) (job.Job, error) {
	var j job.Job
	var err error

	op := "jobs.get_by_id"
	err = r.obs.observe(op, func() error {
		j, err = scanJob(r.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}
	return j, nil
}

func (r *JobsRepo) GetByUUID(ctx context.Context, uuid string) (job.Job, error) {
	var j job.Job
	var err error

	op := "jobs.get_by_uuid"
	err = r.obs.observe(op, func() error {
		j, err = scanJob(r.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE uuid = $1`, uuid))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}
	return j, nil
}

func (r *JobsRepo) GetByIdempotencyKey(ctx context.Context, key string) (job.Job, error) {
	var j job.Job
	var err error

	op := "jobs.get_by_idempotency_key"
	err = r.obs.observe(op, func() error {
		j, err = scanJob(r.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}
	return j, nil
}

// DequeueReady claims up to batchSize ready jobs, flipping each to
// processing atomically. The SKIP LOCKED claim guards against double
// dispatch even with concurrent coordinators.
func (r *JobsRepo) DequeueReady(ctx context.Context, batchSize int) ([]job.Job, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	var out []job.Job
	op := "jobs.dequeue_ready"

	err := r.obs.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		WITH ready AS (
			SELECT id
			FROM jobs
			WHERE status IN ('queued','retrying','scheduled')
			  AND (process_at IS NULL OR process_at <= NOW())
			ORDER BY `+priorityWeight+` DESC, queued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id IN (SELECT id FROM ready)
		RETURNING `+jobColumns, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, scanErr := scanJob(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, j)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	// the claim loses the queue ordering; restore it for the caller
	orderJobs(out)
	return out, nil
}

func orderJobs(jobs []job.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobLess(jobs[k], jobs[k-1]); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func jobLess(a, b job.Job) bool {
	if a.Priority.Weight() != b.Priority.Weight() {
		return a.Priority.Weight() > b.Priority.Weight()
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.ID < b.ID
}

// MarkProcessing is the CAS that links the claimed job to its execution.
func (r *JobsRepo) MarkProcessing(ctx context.Context, id, executionID int64) error {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.mark_processing"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET execution_id = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, executionID)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (r *JobsRepo) Complete(ctx context.Context, id int64) error {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.complete"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = NOW(),
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (r *JobsRepo) Fail(ctx context.Context, id int64, errMsg string) error {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.fail"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    completed_at = NOW(),
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// MarkForRetry schedules the next attempt: retry_count increments, process_at
// moves to the backoff deadline, status flips to retrying.
func (r *JobsRepo) MarkForRetry(ctx context.Context, id int64, processAt time.Time, errMsg string) error {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.mark_for_retry"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'retrying',
		    retry_count = retry_count + 1,
		    process_at = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND retry_count < max_retries
	`, id, processAt, errMsg)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrRetriesExhausted
	}
	return nil
}

// Requeue returns a claimed job to the queue without consuming a retry;
// used when admission control defers a job the queue already handed out.
func (r *JobsRepo) Requeue(ctx context.Context, id int64, processAt time.Time) error {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.requeue"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    process_at = $2,
		    execution_id = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, processAt)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// Cancel flips a non-terminal job to cancelled. A processing job stays
// linked to its execution; the scheduler discards the worker's late reply.
func (r *JobsRepo) Cancel(ctx context.Context, id int64) error {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.cancel"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('queued','retrying','scheduled','processing')
	`, id)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotCancellable
	}
	return nil
}

// Status reads the current status only; the scheduler uses it to detect a
// cancellation raced against an in-flight execution.
func (r *JobsRepo) Status(ctx context.Context, id int64) (job.Status, error) {
	var status string
	var err error

	op := "jobs.status"
	err = r.obs.observe(op, func() error {
		return r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", job.ErrJobNotFound
		}
		return "", err
	}
	return job.Status(status), nil
}

func (r *JobsRepo) List(ctx context.Context, filters repo.JobFilters, page repo.Pagination) ([]job.Job, repo.ListMeta, error) {
	wb := &whereBuilder{}

	if filters.TaskID != nil {
		wb.add("task_id = $?", *filters.TaskID)
	}
	if filters.ScheduleID != nil {
		wb.add("schedule_id = $?", *filters.ScheduleID)
	}
	if len(filters.StatusIn) > 0 {
		statuses := make([]string, len(filters.StatusIn))
		for i, s := range filters.StatusIn {
			statuses[i] = string(s)
		}
		wb.addIn("status", statuses)
	}
	if len(filters.PriorityIn) > 0 {
		priorities := make([]string, len(filters.PriorityIn))
		for i, p := range filters.PriorityIn {
			priorities[i] = string(p)
		}
		wb.addIn("priority", priorities)
	}
	if len(filters.UUIDIn) > 0 {
		wb.addIn("uuid", filters.UUIDIn)
	}
	if len(filters.IDIn) > 0 {
		wb.addIn("id", filters.IDIn)
	}
	if filters.QueuedAfter != nil {
		wb.add("queued_at >= $?", *filters.QueuedAfter)
	}
	if filters.QueuedBefore != nil {
		wb.add("queued_at <= $?", *filters.QueuedBefore)
	}

	limit, offset := page.Resolve()

	var total int64
	var out []job.Job

	op := "jobs.list"
	err := r.obs.observe(op, func() error {
		if err := r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs`+wb.clause(), wb.args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs%s ORDER BY queued_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			wb.clause(), wb.next(), wb.next()+1)
		args := append(wb.args, limit, offset)

		rows, err := r.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, scanErr := scanJob(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, j)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, repo.ListMeta{}, err
	}
	return out, repo.MetaFor(limit, offset, total), nil
}

// RetryFailed requeues a terminally failed job for a fresh attempt cycle.
func (r *JobsRepo) RetryFailed(ctx context.Context, id int64) error {
	var status string
	err := r.obs.observe("jobs.retry_failed.check", func() error {
		return r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.ErrJobNotFound
		}
		return err
	}
	if status != string(job.StatusFailed) {
		return fmt.Errorf("%w: status is %s", job.ErrInvalidStatus, status)
	}

	return r.obs.observe("jobs.retry_failed.requeue", func() error {
		_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    retry_count = 0,
		    process_at = NULL,
		    completed_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id)
		return err
	})
}

// RetryManyFailed requeues up to limit failed jobs, newest first.
func (r *JobsRepo) RetryManyFailed(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var tag pgconn.CommandTag
	var err error
	op := "jobs.retry_many_failed"

	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		WITH picked AS (
			SELECT id
			FROM jobs
			WHERE status = 'failed'
			ORDER BY updated_at DESC
			LIMIT $1
		)
		UPDATE jobs
		SET status = 'queued',
		    retry_count = 0,
		    process_at = NULL,
		    completed_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id IN (SELECT id FROM picked)
	`, limit)
		return err
	})

	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueStaleProcessing returns jobs stuck in processing beyond the TTL to
// the queue; covers a coordinator crash between claim and completion.
func (r *JobsRepo) RequeueStaleProcessing(ctx context.Context, ttl time.Duration) (int64, error) {
	secs := int64(ttl.Seconds())
	if secs <= 0 {
		secs = 300
	}

	var rows int64
	op := "jobs.requeue_stale"

	err := r.obs.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    execution_id = NULL,
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
	`, secs)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})

	return rows, err
}
