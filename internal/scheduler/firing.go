package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/domain/schedule"
	"github.com/ratchetd/ratchet/internal/queue"
)

type SchedulesStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error)
	Advance(ctx context.Context, id int64, expectedNextRun, firedAt, nextRun time.Time) error
}

// ScheduleFirer is the periodic tick that turns due schedules into jobs. The
// Advance CAS makes each firing exclusive, and next_run is always computed
// from now, so runs missed during downtime are skipped rather than
// back-filled.
type ScheduleFirer struct {
	schedules SchedulesStore
	queue     *queue.Queue
	interval  time.Duration
	batch     int
}

func NewScheduleFirer(schedules SchedulesStore, q *queue.Queue, interval time.Duration) *ScheduleFirer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ScheduleFirer{
		schedules: schedules,
		queue:     q,
		interval:  interval,
		batch:     50,
	}
}

func (f *ScheduleFirer) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick fires every due schedule once. Exposed for tests and for a manual
// trigger from the admin surface.
func (f *ScheduleFirer) Tick(ctx context.Context, now time.Time) {
	due, err := f.schedules.Due(ctx, now, f.batch)
	if err != nil {
		slog.Default().ErrorContext(ctx, "schedules.query_failed", "err", err)
		return
	}

	for _, s := range due {
		next, err := schedule.NextAfter(s.CronExpression, now)
		if err != nil {
			slog.Default().ErrorContext(ctx, "schedules.bad_cron",
				"schedule_id", s.ID, "expr", s.CronExpression, "err", err)
			continue
		}

		// losing the CAS means another tick already fired this slot
		if err := f.schedules.Advance(ctx, s.ID, *s.NextRun, now, next); err != nil {
			continue
		}

		scheduleID := s.ID
		_, err = f.queue.Enqueue(ctx, job.CreateRequest{
			TaskID:             s.TaskID,
			Input:              s.Input,
			Priority:           job.PriorityNormal,
			OutputDestinations: s.OutputDestinations,
			ScheduleID:         &scheduleID,
		})
		if err != nil {
			slog.Default().ErrorContext(ctx, "schedules.enqueue_failed", "schedule_id", s.ID, "err", err)
			continue
		}

		slog.Default().InfoContext(ctx, "schedules.fired",
			"schedule_id", s.ID,
			"schedule", s.Name,
			"next_run", next.Format(time.RFC3339),
		)
	}
}
