package repo

import (
	"time"

	"github.com/ratchetd/ratchet/internal/domain/execution"
	"github.com/ratchetd/ratchet/internal/domain/job"
)

// Field-wise filter structs consumed from the HTTP layer. Nil/empty fields
// impose no constraint.

type TaskFilters struct {
	NameContains   *string
	NameStartsWith *string
	VersionIn      []string
	Enabled        *bool
	HasValidation  *bool // validated_at set
	UUIDIn         []string
	IDIn           []int64
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IncludeDeleted bool
}

type ExecutionFilters struct {
	TaskID        *int64
	JobID         *int64
	StatusIn      []execution.Status
	UUIDIn        []string
	IDIn          []int64
	QueuedAfter   *time.Time
	QueuedBefore  *time.Time
	CompletedAfter  *time.Time
	CompletedBefore *time.Time
}

type JobFilters struct {
	TaskID       *int64
	ScheduleID   *int64
	StatusIn     []job.Status
	PriorityIn   []job.Priority
	UUIDIn       []string
	IDIn         []int64
	QueuedAfter  *time.Time
	QueuedBefore *time.Time
}

type ScheduleFilters struct {
	TaskID       *int64
	NameContains *string
	Enabled      *bool
	UUIDIn       []string
	IDIn         []int64
}
