package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
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

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrInvalidTransition  = errors.New("invalid execution status transition")
	ErrOutputWithoutDone  = errors.New("output may only be set on a completed execution")
)

// an Execution is a single attempt to run a Task. Executions are audit
// records: they are created by the scheduler before dispatch and never deleted.

type Execution struct {
	ID           int64           `json:"id"`
	UUID         string          `json:"uuid"`
	TaskID       int64           `json:"taskId"`
	JobID        *int64          `json:"jobId,omitempty"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
	QueuedAt     time.Time       `json:"queuedAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func New(taskID int64, jobID *int64, input json.RawMessage) Execution {
	now := time.Now().UTC()

	return Execution{
		UUID:      uuid.NewString(),
		TaskID:    taskID,
		JobID:     jobID,
		Status:    StatusPending,
		Input:     input,
		QueuedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTransition encodes the lifecycle: pending -> running -> terminal,
// pending -> cancelled for jobs cancelled before dispatch, and
// pending -> failed. Terminal states accept no further transitions.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// Start marks the execution running. started_at is the clock for duration_ms.
func (e *Execution) Start() error {
	if !CanTransition(e.Status, StatusRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusRunning)
	}
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
	return nil
}

func (e *Execution) Complete(output json.RawMessage) error {
	if !CanTransition(e.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusCompleted)
	}
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.Output = output
	e.CompletedAt = &now
	e.finalize(now)
	return nil
}

func (e *Execution) Fail(message string, details json.RawMessage) error {
	if !CanTransition(e.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusFailed)
	}
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.ErrorMessage = &message
	e.ErrorDetails = details
	e.CompletedAt = &now
	e.finalize(now)
	return nil
}

func (e *Execution) Cancel() error {
	if !CanTransition(e.Status, StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusCancelled)
	}
	now := time.Now().UTC()
	e.Status = StatusCancelled
	e.CompletedAt = &now
	e.finalize(now)
	return nil
}

func (e *Execution) finalize(now time.Time) {
	e.UpdatedAt = now
	if e.StartedAt != nil && e.CompletedAt != nil {
		ms := e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
		e.DurationMs = &ms
	}
}
