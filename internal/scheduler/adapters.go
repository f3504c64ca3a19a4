package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/ratelimit"
)

// DispatchLimiter gates job dispatch on the "jobs.dispatch" operation of the
// shared limiter set.
func DispatchLimiter(d *ratelimit.Dispatcher) Limiter {
	return dispatchLimiter{d: d}
}

type dispatchLimiter struct {
	d *ratelimit.Dispatcher
}

func (l dispatchLimiter) Check(key string, n int) error {
	return l.d.Check("jobs.dispatch", key, n)
}

// PoolValidator runs a task's source through a worker's validation path.
type PoolValidator struct {
	pool TaskPool
}

func NewPoolValidator(p TaskPool) *PoolValidator {
	return &PoolValidator{pool: p}
}

func (v *PoolValidator) ValidateTask(ctx context.Context, t task.Task) (bool, []string, error) {
	msg := &ipc.ValidateTask{
		Type:          ipc.TypeValidateTask,
		TaskPath:      taskPath(t),
		CorrelationID: ipc.NewCorrelationID(),
	}

	reply, err := v.pool.SendTask(ctx, msg, 30*time.Second)
	if err != nil {
		return false, nil, err
	}

	switch res := reply.(type) {
	case *ipc.ValidationResult:
		return res.Result.Valid, res.Result.Errors, nil
	case *ipc.WorkerError:
		return false, []string{res.Error}, nil
	default:
		return false, nil, errors.New("unexpected worker response")
	}
}
