package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
	StatusScheduled  Status = "scheduled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusRetrying, StatusScheduled:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Ready reports whether a job in this status may be dequeued once its
// process_at gate has passed.
func (s Status) Ready() bool {
	switch s {
	case StatusQueued, StatusRetrying, StatusScheduled:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Weight gives the strict ordering urgent > high > normal > low for the
// dequeue sort.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidPriority  = errors.New("invalid job priority")
	ErrInvalidStatus    = errors.New("invalid job status")
	ErrNotCancellable   = errors.New("job is not cancellable")
	ErrRetriesExhausted = errors.New("job retries exhausted")
)

// a Job is a queued intent to execute a Task. It may retry and own several
// Executions over its lifetime; ExecutionID points at the current one.

type Job struct {
	ID                 int64           `json:"id"`
	UUID               string          `json:"uuid"`
	TaskID             int64           `json:"taskId"`
	Input              json.RawMessage `json:"input"`
	Priority           Priority        `json:"priority"`
	Status             Status          `json:"status"`
	RetryCount         int             `json:"retryCount"`
	MaxRetries         int             `json:"maxRetries"`
	RetryDelaySeconds  int             `json:"retryDelaySeconds"`
	ProcessAt          *time.Time      `json:"processAt,omitempty"`
	QueuedAt           time.Time       `json:"queuedAt"`
	StartedAt          *time.Time      `json:"startedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	ExecutionID        *int64          `json:"executionId,omitempty"`
	OutputDestinations json.RawMessage `json:"outputDestinations,omitempty"`
	ScheduleID         *int64          `json:"scheduleId,omitempty"`
	RateKey            string          `json:"rateKey,omitempty"`
	LastError          *string         `json:"lastError,omitempty"`
	IdempotencyKey     *string         `json:"idempotencyKey,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type CreateRequest struct {
	TaskID             int64
	Input              json.RawMessage
	Priority           Priority
	MaxRetries         int
	RetryDelaySeconds  int
	ProcessAt          *time.Time
	OutputDestinations json.RawMessage
	ScheduleID         *int64
	RateKey            string
	IdempotencyKey     *string
}

func New(req CreateRequest) (Job, error) {
	now := time.Now().UTC()

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.IsValid() {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidPriority, req.Priority)
	}

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	retryDelay := req.RetryDelaySeconds
	if retryDelay <= 0 {
		retryDelay = 1
	}

	status := StatusQueued
	if req.ProcessAt != nil && req.ProcessAt.After(now) {
		status = StatusScheduled
	}

	return Job{
		UUID:               uuid.NewString(),
		TaskID:             req.TaskID,
		Input:              req.Input,
		Priority:           priority,
		Status:             status,
		RetryCount:         0,
		MaxRetries:         maxRetries,
		RetryDelaySeconds:  retryDelay,
		ProcessAt:          req.ProcessAt,
		QueuedAt:           now,
		OutputDestinations: req.OutputDestinations,
		ScheduleID:         req.ScheduleID,
		RateKey:            req.RateKey,
		IdempotencyKey:     req.IdempotencyKey,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// CanRetry reports whether one more attempt is allowed after a failure.
func (j Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// ReadyAt reports whether the job's process_at gate has passed at t.
func (j Job) ReadyAt(t time.Time) bool {
	if !j.Status.Ready() {
		return false
	}
	return j.ProcessAt == nil || !j.ProcessAt.After(t)
}
