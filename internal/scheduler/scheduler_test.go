package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/destinations"
	"github.com/ratchetd/ratchet/internal/domain/execution"
	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/progress"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/repo"
	"github.com/ratchetd/ratchet/internal/repo/memory"
	"github.com/ratchetd/ratchet/internal/retry"
	"github.com/ratchetd/ratchet/internal/xerrors"
)

type fakePool struct {
	calls atomic.Int32
	fn    func(call int, msg *ipc.ExecuteTask) (any, error)
}

func (p *fakePool) SendTask(_ context.Context, msg any, _ time.Duration) (any, error) {
	m, ok := msg.(*ipc.ExecuteTask)
	if !ok {
		return nil, errors.New("unexpected message type")
	}
	return p.fn(int(p.calls.Add(1)), m)
}

type allowAll struct{}

func (allowAll) Check(string, int) error { return nil }

type denyOnce struct {
	denied atomic.Bool
}

func (d *denyOnce) Check(string, int) error {
	if d.denied.CompareAndSwap(false, true) {
		retryAfter := 10 * time.Millisecond
		return xerrors.Transient(xerrors.CodeRateLimited, "rate limit exceeded", nil).WithRetryAfter(retryAfter)
	}
	return nil
}

type captureDispatcher struct {
	submissions atomic.Int32
	lastPayload json.RawMessage
}

func (c *captureDispatcher) Submit(_ context.Context, _ int64, payload json.RawMessage, _ destinations.DeliveryContext, _ []destinations.Descriptor) []destinations.Outcome {
	c.submissions.Add(1)
	c.lastPayload = payload
	return nil
}

type fixture struct {
	jobs       *memory.JobsRepo
	executions *memory.ExecutionsRepo
	tasks      *memory.TasksRepo
	queue      *queue.Queue
	dispatcher *captureDispatcher
	hub        *progress.Hub
	taskID     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		jobs:       memory.NewJobsRepo(),
		executions: memory.NewExecutionsRepo(),
		tasks:      memory.NewTasksRepo(),
		dispatcher: &captureDispatcher{},
		hub:        progress.NewHub(),
	}
	f.queue = queue.New(f.jobs, nil, queue.Config{RetryPolicy: retry.Policy{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        false,
	}})

	tk, err := f.tasks.Create(context.Background(), task.CreateRequest{
		Name:    "addition",
		Source:  task.Source{Type: task.SourceEmbedded, Code: "(function(i){return i;})"},
		Enabled: true,
	})
	require.NoError(t, err)
	f.taskID = tk.ID
	return f
}

func (f *fixture) scheduler(p TaskPool, limiter Limiter) *Scheduler {
	return New(Config{JobTimeout: time.Second, Env: "test"}, f.queue, f.executions, f.tasks, p, limiter, f.dispatcher, f.hub)
}

func (f *fixture) runOne(t *testing.T, s *Scheduler) {
	t.Helper()
	jobs, err := f.queue.DequeueReady(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	s.process(context.Background(), jobs[0])
}

func TestHappyPath(t *testing.T) {
	output := json.RawMessage(`{"result":8,"operation":"addition","operands":{"num1":5,"num2":3}}`)
	p := &fakePool{fn: func(_ int, m *ipc.ExecuteTask) (any, error) {
		return &ipc.TaskResult{
			Type:          ipc.TypeTaskResult,
			JobID:         m.JobID,
			CorrelationID: m.CorrelationID,
			Result:        ipc.TaskOutcome{Success: true, Output: output},
		}, nil
	}}

	f := newFixture(t)
	s := f.scheduler(p, allowAll{})

	j, err := f.queue.Enqueue(context.Background(), job.CreateRequest{
		TaskID:             f.taskID,
		Input:              json.RawMessage(`{"num1":5,"num2":3}`),
		OutputDestinations: json.RawMessage(`[{"type":"webhook","url":"https://example.com"}]`),
	})
	require.NoError(t, err)

	f.runOne(t, s)

	gotJob, err := f.jobs.GetByID(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, gotJob.Status)
	require.NotNil(t, gotJob.ExecutionID)

	exec, err := f.executions.GetByID(context.Background(), *gotJob.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, exec.Status)
	require.JSONEq(t, string(output), string(exec.Output))
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)

	require.Equal(t, int32(1), f.dispatcher.submissions.Load())
	require.Equal(t, uint64(1), s.Metrics().Snapshot().Completed)
}

func TestRetryThenSucceed(t *testing.T) {
	p := &fakePool{fn: func(call int, m *ipc.ExecuteTask) (any, error) {
		if call == 1 {
			return &ipc.TaskResult{
				Type:          ipc.TypeTaskResult,
				CorrelationID: m.CorrelationID,
				Result:        ipc.TaskOutcome{Success: false, ErrorMessage: "first attempt fails"},
			}, nil
		}
		return &ipc.TaskResult{
			Type:          ipc.TypeTaskResult,
			CorrelationID: m.CorrelationID,
			Result:        ipc.TaskOutcome{Success: true, Output: json.RawMessage(`{"ok":true}`)},
		}, nil
	}}

	f := newFixture(t)
	s := f.scheduler(p, allowAll{})
	ctx := context.Background()

	j, err := f.queue.Enqueue(ctx, job.CreateRequest{TaskID: f.taskID, MaxRetries: 2, Input: json.RawMessage(`{}`)})
	require.NoError(t, err)

	f.runOne(t, s)

	gotJob, _ := f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusRetrying, gotJob.Status)
	require.Equal(t, 1, gotJob.RetryCount)

	// wait out the backoff, then the retry attempt succeeds
	time.Sleep(5 * time.Millisecond)
	f.runOne(t, s)

	gotJob, _ = f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusCompleted, gotJob.Status)

	// two executions exist for the same job: first failed, second completed
	execs, _, err := f.executions.List(ctx, listByJob(j.ID), pageAll())
	require.NoError(t, err)
	require.Len(t, execs, 2)

	var failed, completed *execution.Execution
	for i := range execs {
		switch execs[i].Status {
		case execution.StatusFailed:
			failed = &execs[i]
		case execution.StatusCompleted:
			completed = &execs[i]
		}
	}
	require.NotNil(t, failed)
	require.NotNil(t, completed)
	require.True(t, !completed.StartedAt.Before(*failed.CompletedAt))
}

func TestRetriesExhaustedFailsTerminally(t *testing.T) {
	p := &fakePool{fn: func(_ int, m *ipc.ExecuteTask) (any, error) {
		return &ipc.TaskResult{
			Type:          ipc.TypeTaskResult,
			CorrelationID: m.CorrelationID,
			Result:        ipc.TaskOutcome{Success: false, ErrorMessage: "always fails"},
		}, nil
	}}

	f := newFixture(t)
	s := f.scheduler(p, allowAll{})
	ctx := context.Background()

	j, err := f.queue.Enqueue(ctx, job.CreateRequest{TaskID: f.taskID, MaxRetries: 1, Input: json.RawMessage(`{}`)})
	require.NoError(t, err)

	f.runOne(t, s)
	time.Sleep(5 * time.Millisecond)
	f.runOne(t, s)

	gotJob, _ := f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusFailed, gotJob.Status)
	require.Equal(t, 1, gotJob.RetryCount)
	require.NotNil(t, gotJob.LastError)
}

func TestTransportErrorIsRetried(t *testing.T) {
	p := &fakePool{fn: func(call int, m *ipc.ExecuteTask) (any, error) {
		if call == 1 {
			return nil, xerrors.Transient(xerrors.CodeWorkerCrashed, "worker exited before replying", nil)
		}
		return &ipc.TaskResult{
			Type:          ipc.TypeTaskResult,
			CorrelationID: m.CorrelationID,
			Result:        ipc.TaskOutcome{Success: true, Output: json.RawMessage(`{}`)},
		}, nil
	}}

	f := newFixture(t)
	s := f.scheduler(p, allowAll{})
	ctx := context.Background()

	j, _ := f.queue.Enqueue(ctx, job.CreateRequest{TaskID: f.taskID, MaxRetries: 2, Input: json.RawMessage(`{}`)})

	f.runOne(t, s)
	gotJob, _ := f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusRetrying, gotJob.Status)

	time.Sleep(5 * time.Millisecond)
	f.runOne(t, s)
	gotJob, _ = f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusCompleted, gotJob.Status)
}

func TestRateLimitDefersWithoutConsumingRetry(t *testing.T) {
	p := &fakePool{fn: func(_ int, m *ipc.ExecuteTask) (any, error) {
		return &ipc.TaskResult{
			Type:          ipc.TypeTaskResult,
			CorrelationID: m.CorrelationID,
			Result:        ipc.TaskOutcome{Success: true, Output: json.RawMessage(`{}`)},
		}, nil
	}}

	limiter := &denyOnce{}
	f := newFixture(t)
	s := f.scheduler(p, limiter)
	ctx := context.Background()

	j, _ := f.queue.Enqueue(ctx, job.CreateRequest{TaskID: f.taskID, MaxRetries: 1, Input: json.RawMessage(`{}`)})

	f.runOne(t, s)

	gotJob, _ := f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusQueued, gotJob.Status)
	require.Equal(t, 0, gotJob.RetryCount)
	require.Equal(t, uint64(1), s.Metrics().Snapshot().Deferred)

	// after the limiter's delay the job runs normally
	time.Sleep(15 * time.Millisecond)
	f.runOne(t, s)
	gotJob, _ = f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusCompleted, gotJob.Status)
}

func TestCancelledJobDiscardsResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var jobID int64
	p := &fakePool{fn: func(_ int, m *ipc.ExecuteTask) (any, error) {
		// cancellation lands while the worker is busy
		require.NoError(t, f.jobs.Cancel(ctx, jobID))
		return &ipc.TaskResult{
			Type:          ipc.TypeTaskResult,
			CorrelationID: m.CorrelationID,
			Result:        ipc.TaskOutcome{Success: true, Output: json.RawMessage(`{"late":true}`)},
		}, nil
	}}
	s := f.scheduler(p, allowAll{})

	j, _ := f.queue.Enqueue(ctx, job.CreateRequest{TaskID: f.taskID, Input: json.RawMessage(`{}`)})
	jobID = j.ID

	f.runOne(t, s)

	gotJob, _ := f.jobs.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusCancelled, gotJob.Status)

	exec, err := f.executions.GetByID(ctx, *gotJob.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCancelled, exec.Status)
	require.Nil(t, exec.Output)
	require.Equal(t, int32(0), f.dispatcher.submissions.Load())
}

func TestProgressBridging(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(&fakePool{}, allowAll{})

	sub := f.hub.Subscribe("e-77", progress.Filter{IncludeData: true}, 8)

	stepNumber := 1
	s.HandleProgress(&ipc.Progress{
		ExecutionUUID: "e-77",
		Progress:      0.5,
		Step:          "transform",
		StepNumber:    &stepNumber,
		Data:          json.RawMessage(`{"rows":10}`),
	})

	select {
	case u := <-sub.C:
		require.Equal(t, 0.5, u.Progress)
		require.Equal(t, "transform", u.Step)
		require.NotNil(t, u.Data)
	case <-time.After(time.Second):
		t.Fatal("progress not bridged to hub")
	}
}

func listByJob(jobID int64) (f repo.ExecutionFilters) {
	f.JobID = &jobID
	return f
}

func pageAll() repo.Pagination {
	return repo.Pagination{}
}
