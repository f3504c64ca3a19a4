package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchetd/ratchet/internal/domain/execution"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/repo"
)

type ExecutionsRepo struct {
	pool *pgxpool.Pool
	obs  observer
}

func NewExecutionsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ExecutionsRepo {
	return &ExecutionsRepo{pool: pool, obs: observer{prom: prom}}
}

const executionColumns = `id, uuid, task_id, job_id, status,
	input, output, error_message, error_details,
	queued_at, started_at, completed_at, duration_ms,
	created_at, updated_at`

func scanExecution(row pgx.Row) (execution.Execution, error) {
	var e execution.Execution
	var status string

	err := row.Scan(
		&e.ID, &e.UUID, &e.TaskID, &e.JobID, &status,
		&e.Input, &e.Output, &e.ErrorMessage, &e.ErrorDetails,
		&e.QueuedAt, &e.StartedAt, &e.CompletedAt, &e.DurationMs,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return execution.Execution{}, err
	}

	e.Status = execution.Status(status)
	return e, nil
}

func (r *ExecutionsRepo) Create(ctx context.Context, taskID int64, jobID *int64, input json.RawMessage) (execution.Execution, error) {
	e := execution.New(taskID, jobID, input)

	op := "executions.create"
	err := r.obs.observe(op, func() error {
		return r.pool.QueryRow(ctx, `INSERT INTO executions(
			uuid, task_id, job_id, status, input, queued_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
			e.UUID, e.TaskID, e.JobID, string(e.Status), e.Input, e.QueuedAt, e.CreatedAt, e.UpdatedAt,
		).Scan(&e.ID)
	})

	if err != nil {
		return execution.Execution{}, err
	}
	return e, nil
}

func (r *ExecutionsRepo) GetByID(ctx context.Context, id int64) (execution.Execution, error) {
	var e execution.Execution
	var err error

	op := "executions.get_by_id"
	err = r.obs.observe(op, func() error {
		e, err = scanExecution(r.pool.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.Execution{}, execution.ErrExecutionNotFound
		}
		return execution.Execution{}, err
	}
	return e, nil
}

func (r *ExecutionsRepo) GetByUUID(ctx context.Context, uuid string) (execution.Execution, error) {
	var e execution.Execution
	var err error

	op := "executions.get_by_uuid"
	err = r.obs.observe(op, func() error {
		e, err = scanExecution(r.pool.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE uuid = $1`, uuid))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.Execution{}, execution.ErrExecutionNotFound
		}
		return execution.Execution{}, err
	}
	return e, nil
}

// transition applies a guarded status move: the WHERE clause carries the
// expected prior status so an out-of-lifecycle update affects zero rows.
func (r *ExecutionsRepo) transition(ctx context.Context, op string, query string, args ...any) error {
	var tag pgconn.CommandTag
	var err error

	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, query, args...)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return execution.ErrInvalidTransition
	}
	return nil
}

func (r *ExecutionsRepo) MarkRunning(ctx context.Context, id int64) error {
	return r.transition(ctx, "executions.mark_running", `
		UPDATE executions
		SET status = 'running',
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
}

func (r *ExecutionsRepo) Complete(ctx context.Context, id int64, output json.RawMessage) error {
	return r.transition(ctx, "executions.complete", `
		UPDATE executions
		SET status = 'completed',
		    output = $2,
		    completed_at = NOW(),
		    duration_ms = EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, output)
}

func (r *ExecutionsRepo) Fail(ctx context.Context, id int64, message string, details json.RawMessage) error {
	return r.transition(ctx, "executions.fail", `
		UPDATE executions
		SET status = 'failed',
		    error_message = $2,
		    error_details = $3,
		    completed_at = NOW(),
		    duration_ms = CASE WHEN started_at IS NULL THEN NULL
		                  ELSE EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000 END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','running')
	`, id, message, details)
}

func (r *ExecutionsRepo) Cancel(ctx context.Context, id int64) error {
	return r.transition(ctx, "executions.cancel", `
		UPDATE executions
		SET status = 'cancelled',
		    completed_at = NOW(),
		    duration_ms = CASE WHEN started_at IS NULL THEN NULL
		                  ELSE EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000 END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','running')
	`, id)
}

func (r *ExecutionsRepo) List(ctx context.Context, filters repo.ExecutionFilters, page repo.Pagination) ([]execution.Execution, repo.ListMeta, error) {
	wb := &whereBuilder{}

	if filters.TaskID != nil {
		wb.add("task_id = $?", *filters.TaskID)
	}
	if filters.JobID != nil {
		wb.add("job_id = $?", *filters.JobID)
	}
	if len(filters.StatusIn) > 0 {
		statuses := make([]string, len(filters.StatusIn))
		for i, s := range filters.StatusIn {
			statuses[i] = string(s)
		}
		wb.addIn("status", statuses)
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
	if filters.CompletedAfter != nil {
		wb.add("completed_at >= $?", *filters.CompletedAfter)
	}
	if filters.CompletedBefore != nil {
		wb.add("completed_at <= $?", *filters.CompletedBefore)
	}

	limit, offset := page.Resolve()

	var total int64
	var out []execution.Execution

	op := "executions.list"
	err := r.obs.observe(op, func() error {
		if err := r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM executions`+wb.clause(), wb.args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+executionColumns+` FROM executions%s ORDER BY queued_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			wb.clause(), wb.next(), wb.next()+1)
		args := append(wb.args, limit, offset)

		rows, err := r.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			e, scanErr := scanExecution(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, e)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, repo.ListMeta{}, err
	}
	return out, repo.MetaFor(limit, offset, total), nil
}
