package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// statements are idempotent so a coordinator can apply them on every boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id            BIGSERIAL PRIMARY KEY,
		uuid          UUID NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		version       TEXT NOT NULL DEFAULT '1.0.0',
		description   TEXT,
		input_schema  JSONB,
		output_schema JSONB,
		source_type   TEXT NOT NULL,
		source_path   TEXT NOT NULL DEFAULT '',
		source_url    TEXT NOT NULL DEFAULT '',
		source_code   TEXT NOT NULL DEFAULT '',
		source_plugin TEXT NOT NULL DEFAULT '',
		enabled       BOOLEAN NOT NULL DEFAULT TRUE,
		validated_at  TIMESTAMPTZ,
		deleted_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tasks_name_live ON tasks (name) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS executions (
		id            BIGSERIAL PRIMARY KEY,
		uuid          UUID NOT NULL UNIQUE,
		task_id       BIGINT NOT NULL REFERENCES tasks(id),
		job_id        BIGINT,
		status        TEXT NOT NULL DEFAULT 'pending',
		input         JSONB,
		output        JSONB,
		error_message TEXT,
		error_details JSONB,
		queued_at     TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		duration_ms   BIGINT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS executions_job ON executions (job_id)`,
	`CREATE INDEX IF NOT EXISTS executions_task_status ON executions (task_id, status)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                  BIGSERIAL PRIMARY KEY,
		uuid                UUID NOT NULL UNIQUE,
		task_id             BIGINT NOT NULL REFERENCES tasks(id),
		input               JSONB,
		priority            TEXT NOT NULL DEFAULT 'normal',
		status              TEXT NOT NULL DEFAULT 'queued',
		retry_count         INT NOT NULL DEFAULT 0,
		max_retries         INT NOT NULL DEFAULT 0,
		retry_delay_seconds INT NOT NULL DEFAULT 1,
		process_at          TIMESTAMPTZ,
		queued_at           TIMESTAMPTZ NOT NULL,
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		execution_id        BIGINT,
		output_destinations JSONB,
		schedule_id         BIGINT,
		rate_key            TEXT NOT NULL DEFAULT '',
		last_error          TEXT,
		idempotency_key     TEXT UNIQUE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_ready ON jobs (status, process_at, queued_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_schedule ON jobs (schedule_id)`,

	`CREATE TABLE IF NOT EXISTS schedules (
		id                  BIGSERIAL PRIMARY KEY,
		uuid                UUID NOT NULL UNIQUE,
		task_id             BIGINT NOT NULL REFERENCES tasks(id),
		name                TEXT NOT NULL,
		cron_expression     TEXT NOT NULL,
		enabled             BOOLEAN NOT NULL DEFAULT TRUE,
		input               JSONB,
		output_destinations JSONB,
		next_run            TIMESTAMPTZ,
		last_run            TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS schedules_due ON schedules (enabled, next_run)`,

	`CREATE TABLE IF NOT EXISTS delivery_results (
		id            BIGSERIAL PRIMARY KEY,
		execution_id  BIGINT NOT NULL REFERENCES executions(id),
		destination   TEXT NOT NULL,
		success       BOOLEAN NOT NULL,
		http_status   INT,
		error         TEXT,
		attempt_count INT NOT NULL DEFAULT 1,
		attempted_at  TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_results_execution ON delivery_results (execution_id)`,
}

// EnsureSchema applies the core tables on startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
