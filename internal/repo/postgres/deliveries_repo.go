package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchetd/ratchet/internal/domain/delivery"
	"github.com/ratchetd/ratchet/internal/observability"
)

type DeliveriesRepo struct {
	pool *pgxpool.Pool
	obs  observer
}

func NewDeliveriesRepo(pool *pgxpool.Pool, prom *observability.Prom) *DeliveriesRepo {
	return &DeliveriesRepo{pool: pool, obs: observer{prom: prom}}
}

const deliveryColumns = `id, execution_id, destination, success, http_status,
	error, attempt_count, attempted_at, created_at`

func scanDelivery(row pgx.Row) (delivery.Result, error) {
	var d delivery.Result
	err := row.Scan(
		&d.ID, &d.ExecutionID, &d.Destination, &d.Success, &d.HTTPStatus,
		&d.Error, &d.AttemptCount, &d.AttemptedAt, &d.CreatedAt,
	)
	return d, err
}

func (r *DeliveriesRepo) Record(ctx context.Context, res delivery.Result) (delivery.Result, error) {
	op := "deliveries.record"

	err := r.obs.observe(op, func() error {
		return r.pool.QueryRow(ctx, `INSERT INTO delivery_results(
			execution_id, destination, success, http_status,
			error, attempt_count, attempted_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
			res.ExecutionID, res.Destination, res.Success, res.HTTPStatus,
			res.Error, res.AttemptCount, res.AttemptedAt, res.CreatedAt,
		).Scan(&res.ID)
	})

	if err != nil {
		return delivery.Result{}, err
	}
	return res, nil
}

func (r *DeliveriesRepo) ListByExecution(ctx context.Context, executionID int64) ([]delivery.Result, error) {
	var out []delivery.Result
	op := "deliveries.list_by_execution"

	err := r.obs.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_results
		WHERE execution_id = $1
		ORDER BY attempted_at ASC, id ASC
	`, executionID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			d, scanErr := scanDelivery(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, d)
		}
		return rows.Err()
	})

	return out, err
}
