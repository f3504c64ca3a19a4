package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchetd/ratchet/internal/domain/schedule"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/repo"
)

type SchedulesRepo struct {
	pool *pgxpool.Pool
	obs  observer
}

func NewSchedulesRepo(pool *pgxpool.Pool, prom *observability.Prom) *SchedulesRepo {
	return &SchedulesRepo{pool: pool, obs: observer{prom: prom}}
}

const scheduleColumns = `id, uuid, task_id, name, cron_expression, enabled,
	input, output_destinations, next_run, last_run, created_at, updated_at`

func scanSchedule(row pgx.Row) (schedule.Schedule, error) {
	var s schedule.Schedule
	err := row.Scan(
		&s.ID, &s.UUID, &s.TaskID, &s.Name, &s.CronExpression, &s.Enabled,
		&s.Input, &s.OutputDestinations, &s.NextRun, &s.LastRun, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

func (r *SchedulesRepo) Create(ctx context.Context, req schedule.CreateRequest) (schedule.Schedule, error) {
	s, err := schedule.New(req)
	if err != nil {
		return schedule.Schedule{}, err
	}

	op := "schedules.create"
	err = r.obs.observe(op, func() error {
		return r.pool.QueryRow(ctx, `INSERT INTO schedules(
			uuid, task_id, name, cron_expression, enabled,
			input, output_destinations, next_run, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`,
			s.UUID, s.TaskID, s.Name, s.CronExpression, s.Enabled,
			s.Input, s.OutputDestinations, s.NextRun, s.CreatedAt, s.UpdatedAt,
		).Scan(&s.ID)
	})

	if err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

func (r *SchedulesRepo) GetByID(ctx context.Context, id int64) (schedule.Schedule, error) {
	var s schedule.Schedule
	var err error

	op := "schedules.get_by_id"
	err = r.obs.observe(op, func() error {
		s, err = scanSchedule(r.pool.QueryRow(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schedule.Schedule{}, schedule.ErrScheduleNotFound
		}
		return schedule.Schedule{}, err
	}
	return s, nil
}

// Due returns enabled schedules whose next_run has passed.
func (r *SchedulesRepo) Due(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []schedule.Schedule
	op := "schedules.due"

	err := r.obs.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run ASC
		LIMIT $2
	`, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s, scanErr := scanSchedule(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, s)
		}
		return rows.Err()
	})

	return out, err
}

// Advance records a firing atomically: last_run moves to firedAt and
// next_run to the following cron slot. The expected next_run guards against
// a double fire.
func (r *SchedulesRepo) Advance(ctx context.Context, id int64, expectedNextRun, firedAt, nextRun time.Time) error {
	var tag pgconn.CommandTag
	var err error

	op := "schedules.advance"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE schedules
		SET last_run = $3,
		    next_run = $4,
		    updated_at = NOW()
		WHERE id = $1 AND next_run = $2
	`, id, expectedNextRun, firedAt, nextRun)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schedule.ErrScheduleNotFound
	}
	return nil
}

func (r *SchedulesRepo) SetEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error {
	var tag pgconn.CommandTag
	var err error

	op := "schedules.set_enabled"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE schedules
		SET enabled = $2,
		    next_run = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, id, enabled, nextRun)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schedule.ErrScheduleNotFound
	}
	return nil
}

func (r *SchedulesRepo) Delete(ctx context.Context, id int64) error {
	var tag pgconn.CommandTag
	var err error

	op := "schedules.delete"
	err = r.obs.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return schedule.ErrScheduleNotFound
	}
	return nil
}

func (r *SchedulesRepo) List(ctx context.Context, filters repo.ScheduleFilters, page repo.Pagination) ([]schedule.Schedule, repo.ListMeta, error) {
	wb := &whereBuilder{}

	if filters.TaskID != nil {
		wb.add("task_id = $?", *filters.TaskID)
	}
	if filters.NameContains != nil {
		wb.add("name ILIKE $?", "%"+*filters.NameContains+"%")
	}
	if filters.Enabled != nil {
		wb.add("enabled = $?", *filters.Enabled)
	}
	if len(filters.UUIDIn) > 0 {
		wb.addIn("uuid", filters.UUIDIn)
	}
	if len(filters.IDIn) > 0 {
		wb.addIn("id", filters.IDIn)
	}

	limit, offset := page.Resolve()

	var total int64
	var out []schedule.Schedule

	op := "schedules.list"
	err := r.obs.observe(op, func() error {
		if err := r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM schedules`+wb.clause(), wb.args...).Scan(&total); err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT `+scheduleColumns+` FROM schedules%s ORDER BY name ASC, id ASC LIMIT $%d OFFSET $%d`,
			wb.clause(), wb.next(), wb.next()+1)
		args := append(wb.args, limit, offset)

		rows, err := r.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s, scanErr := scanSchedule(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, s)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, repo.ListMeta{}, err
	}
	return out, repo.MetaFor(limit, offset, total), nil
}
