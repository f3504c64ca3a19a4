package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/repo"
)

type TasksRepo struct {
	pool *pgxpool.Pool
	obs  observer
}

func NewTasksRepo(pool *pgxpool.Pool, prom *observability.Prom) *TasksRepo {
	return &TasksRepo{pool: pool, obs: observer{prom: prom}}
}

const taskColumns = `id, uuid, name, version, description,
	input_schema, output_schema,
	source_type, source_path, source_url, source_code, source_plugin,
	enabled, validated_at, deleted_at, created_at, updated_at`

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	var sourceType string

	err := row.Scan(
		&t.ID, &t.UUID, &t.Name, &t.Version, &t.Description,
		&t.InputSchema, &t.OutputSchema,
		&sourceType, &t.Source.Path, &t.Source.URL, &t.Source.Code, &t.Source.Plugin,
		&t.Enabled, &t.ValidatedAt, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return task.Task{}, err
	}

	t.Source.Type = task.SourceType(sourceType)
	return t, nil
}

func (r *TasksRepo) Create(ctx context.Context, req task.CreateRequest) (task.Task, error) {
	t, err := task.New(req)
	if err != nil {
		return task.Task{}, err
	}

	op := "tasks.create"
	err = r.obs.observe(op, func() error {
		return r.pool.QueryRow(ctx, `INSERT INTO tasks(
			uuid, name, version, description,
			input_schema, output_schema,
			source_type, source_path, source_url, source_code, source_plugin,
			enabled, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,
			$7,$8,$9,$10,$11,
			$12,$13,$14
		) RETURNING id`,
			t.UUID, t.Name, t.Version, t.Description,
			t.InputSchema, t.OutputSchema,
			string(t.Source.Type), t.Source.Path, t.Source.URL, t.Source.Code, t.Source.Plugin,
			t.Enabled, t.CreatedAt, t.UpdatedAt,
		).Scan(&t.ID)
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return task.Task{}, task.ErrDuplicateName
		}
		return task.Task{}, err
	}
	return t, nil
}

func (r *TasksRepo) GetByID(ctx context.Context, id int64) (task.Task, error) {
	var t task.Task
	var err error

	op := "tasks.get_by_id"
	err = r.obs.observe(op, func() error {
		t, err = scanTask(r.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND deleted_at IS NULL`, id))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return t, nil
}

func (r *TasksRepo) GetByName(ctx context.Context, name string) (task.Task, error) {
	var t task.Task
	var err error

	op := "tasks.get_by_name"
	err = r.obs.observe(op, func() error {
		t, err = scanTask(r.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE name = $1 AND deleted_at IS NULL`, name))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return t, nil
}

func (r *TasksRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	var tag pgconn.CommandTag
	var err error

	op := "tasks.set_enabled"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET enabled = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, enabled)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

func (r *TasksRepo) MarkValidated(ctx context.Context, id int64, at time.Time) error {
	var tag pgconn.CommandTag
	var err error

	op := "tasks.mark_validated"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET validated_at = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// Delete soft-deletes; executions referencing the task keep their audit
// trail.
func (r *TasksRepo) Delete(ctx context.Context, id int64) error {
	var tag pgconn.CommandTag
	var err error

	op := "tasks.delete"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE tasks
		SET deleted_at = NOW(), enabled = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

func (r *TasksRepo) List(ctx context.Context, filters repo.TaskFilters, page repo.Pagination) ([]task.Task, repo.ListMeta, error) {
	wb := &whereBuilder{}

	if !filters.IncludeDeleted {
		wb.add("deleted_at IS NULL")
	}
	if filters.NameContains != nil {
		wb.add("name ILIKE $?", "%"+*filters.NameContains+"%")
	}
	if filters.NameStartsWith != nil {
		wb.add("name ILIKE $?", *filters.NameStartsWith+"%")
	}
	if len(filters.VersionIn) > 0 {
		wb.addIn("version", filters.VersionIn)
	}
	if filters.Enabled != nil {
		wb.add("enabled = $?", *filters.Enabled)
	}
	if filters.HasValidation != nil {
		if *filters.HasValidation {
			wb.add("validated_at IS NOT NULL")
		} else {
			wb.add("validated_at IS NULL")
		}
	}
	if len(filters.UUIDIn) > 0 {
		wb.addIn("uuid", filters.UUIDIn)
	}
	if len(filters.IDIn) > 0 {
		wb.addIn("id", filters.IDIn)
	}
	if filters.CreatedAfter != nil {
		wb.add("created_at >= $?", *filters.CreatedAfter)
	}
	if filters.CreatedBefore != nil {
		wb.add("created_at <= $?", *filters.CreatedBefore)
	}

	limit, offset := page.Resolve()

	var total int64
	var out []task.Task

	op := "tasks.list"
	err := r.obs.observe(op, func() error {
		if err := r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM tasks`+wb.clause(), wb.args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks%s ORDER BY name ASC, id ASC LIMIT $%d OFFSET $%d`,
			wb.clause(), wb.next(), wb.next()+1)
		args := append(wb.args, limit, offset)

		rows, err := r.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, scanErr := scanTask(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, t)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, repo.ListMeta{}, err
	}
	return out, repo.MetaFor(limit, offset, total), nil
}
