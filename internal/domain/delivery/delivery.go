package delivery

import (
	"errors"
	"time"
)

var ErrDeliveryNotFound = errors.New("delivery result not found")

// a Result records one attempt to hand a completed execution's output to an
// output destination.

type Result struct {
	ID           int64      `json:"id"`
	ExecutionID  int64      `json:"executionId"`
	Destination  string     `json:"destination"` // descriptor summary, e.g. "webhook:https://…" or "filesystem:/path"
	Success      bool       `json:"success"`
	HTTPStatus   *int       `json:"httpStatus,omitempty"`
	Error        *string    `json:"error,omitempty"`
	AttemptCount int        `json:"attemptCount"`
	AttemptedAt  time.Time  `json:"attemptedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func New(executionID int64, destination string) Result {
	now := time.Now().UTC()
	return Result{
		ExecutionID: executionID,
		Destination: destination,
		AttemptedAt: now,
		CreatedAt:   now,
	}
}
