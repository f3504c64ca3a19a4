package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrDisabled         = errors.New("schedule is disabled")
)

// cron expressions use the standard 5-field form.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// a Schedule is a cron-driven producer of Jobs.

type Schedule struct {
	ID                 int64           `json:"id"`
	UUID               string          `json:"uuid"`
	TaskID             int64           `json:"taskId"`
	Name               string          `json:"name"`
	CronExpression     string          `json:"cronExpression"`
	Enabled            bool            `json:"enabled"`
	Input              json.RawMessage `json:"input"`
	OutputDestinations json.RawMessage `json:"outputDestinations,omitempty"`
	NextRun            *time.Time      `json:"nextRun,omitempty"`
	LastRun            *time.Time      `json:"lastRun,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type CreateRequest struct {
	TaskID             int64
	Name               string
	CronExpression     string
	Enabled            bool
	Input              json.RawMessage
	OutputDestinations json.RawMessage
}

func New(req CreateRequest) (Schedule, error) {
	next, err := NextAfter(req.CronExpression, time.Now().UTC())
	if err != nil {
		return Schedule{}, err
	}

	now := time.Now().UTC()
	s := Schedule{
		UUID:               uuid.NewString(),
		TaskID:             req.TaskID,
		Name:               req.Name,
		CronExpression:     req.CronExpression,
		Enabled:            req.Enabled,
		Input:              req.Input,
		OutputDestinations: req.OutputDestinations,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Enabled {
		s.NextRun = &next
	}
	return s, nil
}

// NextAfter computes the first firing time strictly after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched.Next(t), nil
}

// Due reports whether the schedule should fire at t.
func (s Schedule) Due(t time.Time) bool {
	return s.Enabled && s.NextRun != nil && !s.NextRun.After(t)
}

// Advance records a firing at t and moves next_run past now. Missed runs are
// skipped, not back-filled: next_run is always computed from now, so a
// coordinator that was down for an hour fires each schedule at most once.
func (s *Schedule) Advance(t time.Time) error {
	next, err := NextAfter(s.CronExpression, t)
	if err != nil {
		return err
	}
	s.LastRun = &t
	s.NextRun = &next
	s.UpdatedAt = t
	return nil
}
