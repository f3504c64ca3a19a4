package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ratchetd/ratchet/internal/destinations"
	"github.com/ratchetd/ratchet/internal/domain/execution"
	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/ipc"
	"github.com/ratchetd/ratchet/internal/observability"
	"github.com/ratchetd/ratchet/internal/progress"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/xerrors"
)

var tracer = otel.Tracer("ratchet-scheduler")

// ExecutionsStore is the slice of the executions repo the scheduler drives.
type ExecutionsStore interface {
	Create(ctx context.Context, taskID int64, jobID *int64, input json.RawMessage) (execution.Execution, error)
	MarkRunning(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, output json.RawMessage) error
	Fail(ctx context.Context, id int64, message string, details json.RawMessage) error
	Cancel(ctx context.Context, id int64) error
}

type TasksStore interface {
	GetByID(ctx context.Context, id int64) (task.Task, error)
}

// TaskPool dispatches framed requests to a worker and blocks for the reply.
type TaskPool interface {
	SendTask(ctx context.Context, msg any, timeout time.Duration) (any, error)
}

// Limiter is the admission gate in front of dispatch.
type Limiter interface {
	Check(key string, n int) error
}

// OutputDispatcher fans completed outputs to their destinations.
type OutputDispatcher interface {
	Submit(ctx context.Context, executionID int64, payload json.RawMessage, dctx destinations.DeliveryContext, descs []destinations.Descriptor) []destinations.Outcome
}

type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	JobTimeout    time.Duration
	Env           string
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
}

// Scheduler drives claimed jobs through the execution lifecycle: admission,
// execution record, worker dispatch, terminal bookkeeping, retries, and
// output fan-out.
type Scheduler struct {
	cfg        Config
	queue      *queue.Queue
	executions ExecutionsStore
	tasks      TasksStore
	pool       TaskPool
	limiter    Limiter
	dispatcher OutputDispatcher
	hub        *progress.Hub
	metrics    *observability.JobMetrics
}

func New(cfg Config, q *queue.Queue, executions ExecutionsStore, tasks TasksStore, pool TaskPool, limiter Limiter, dispatcher OutputDispatcher, hub *progress.Hub) *Scheduler {
	cfg.withDefaults()

	return &Scheduler{
		cfg:        cfg,
		queue:      q,
		executions: executions,
		tasks:      tasks,
		pool:       pool,
		limiter:    limiter,
		dispatcher: dispatcher,
		hub:        hub,
		metrics:    observability.NewJobMetrics(),
	}
}

func (s *Scheduler) Metrics() *observability.JobMetrics { return s.metrics }

// HandleProgress bridges worker progress envelopes into the hub; wire it to
// the pool's OnProgress before starting workers.
func (s *Scheduler) HandleProgress(p *ipc.Progress) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(progress.Update{
		ExecutionUUID: p.ExecutionUUID,
		Progress:      p.Progress,
		Step:          p.Step,
		StepNumber:    p.StepNumber,
		TotalSteps:    p.TotalSteps,
		Message:       p.Message,
		Data:          p.Data,
	})
}

// Run polls the queue until ctx is cancelled. Ready notifications from the
// queue cut the poll latency; the ticker is the backstop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, s.cfg.MaxConcurrent)

	slog.Default().InfoContext(ctx, "scheduler.start",
		"poll_interval", s.cfg.PollInterval.String(),
		"batch_size", s.cfg.BatchSize,
		"max_concurrent", s.cfg.MaxConcurrent,
	)

	for {
		select {
		case <-ctx.Done():
			// wait for in-flight jobs before returning
			for i := 0; i < s.cfg.MaxConcurrent; i++ {
				sem <- struct{}{}
			}
			log.Println("scheduler: shutdown complete")
			return nil

		case <-ticker.C:
		case <-s.queue.Ready():
		}

		s.drain(ctx, sem)
	}
}

func (s *Scheduler) drain(ctx context.Context, sem chan struct{}) {
	jobs, err := s.queue.DequeueReady(ctx, s.cfg.BatchSize)
	if err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.dequeue_failed", "err", err)
		return
	}

	for _, j := range jobs {
		s.metrics.IncDequeued()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// return unstarted claims to the queue
			_ = s.queue.Requeue(context.Background(), j.ID, 0)
			continue
		}

		go func(j job.Job) {
			defer func() { <-sem }()
			s.process(ctx, j)
		}(j)
	}
}

func (s *Scheduler) process(ctx context.Context, j job.Job) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "job.run",
		trace.WithAttributes(
			attribute.Int64("job.id", j.ID),
			attribute.String("job.uuid", j.UUID),
			attribute.Int64("task.id", j.TaskID),
			attribute.String("job.priority", string(j.Priority)),
			attribute.Int("job.retry_count", j.RetryCount),
		),
	)
	defer span.End()

	// admission: a denied job goes back to the queue with the limiter's
	// delay, without touching its retry budget
	rateKey := j.RateKey
	if rateKey == "" {
		rateKey = "default"
	}
	if err := s.limiter.Check(rateKey, 1); err != nil {
		delay := time.Second
		var xe *xerrors.Error
		if errors.As(err, &xe) && xe.RetryAfter != nil {
			delay = *xe.RetryAfter
		}

		if rqErr := s.queue.Requeue(ctx, j.ID, delay); rqErr != nil {
			slog.Default().ErrorContext(ctx, "scheduler.requeue_failed", "job_id", j.ID, "err", rqErr)
		}
		s.metrics.IncDeferred()
		span.SetAttributes(attribute.String("job.result", "rate_limited"))
		return
	}

	t, err := s.tasks.GetByID(ctx, j.TaskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task_lookup_failed")
		s.failJob(ctx, j, nil, err)
		return
	}

	exec, err := s.executions.Create(ctx, j.TaskID, &j.ID, j.Input)
	if err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.create_execution_failed", "job_id", j.ID, "err", err)
		_ = s.queue.Requeue(ctx, j.ID, time.Second)
		return
	}

	if err := s.queue.MarkProcessing(ctx, j.ID, exec.ID); err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.mark_processing_failed", "job_id", j.ID, "err", err)
	}
	if err := s.executions.MarkRunning(ctx, exec.ID); err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.mark_running_failed", "execution_id", exec.ID, "err", err)
	}

	envelope := &ipc.ExecuteTask{
		Type:     ipc.TypeExecuteTask,
		JobID:    j.ID,
		TaskID:   t.ID,
		TaskPath: taskPath(t),
		Input:    j.Input,
		ExecutionContext: ipc.ExecutionContext{
			ExecutionUUID: exec.UUID,
			JobUUID:       j.UUID,
			TaskName:      t.Name,
			TaskVersion:   t.Version,
		},
		CorrelationID: ipc.NewCorrelationID(),
	}

	slog.Default().InfoContext(ctx, "job.start",
		"job_id", j.ID,
		"execution_uuid", exec.UUID,
		"task", t.Name,
		"correlation_id", envelope.CorrelationID,
		"attempt", j.RetryCount+1,
	)

	result, sendErr := s.pool.SendTask(ctx, envelope, s.cfg.JobTimeout)

	// a cancellation raced against the in-flight execution discards the
	// worker's outcome
	if status, stErr := s.queue.Status(ctx, j.ID); stErr == nil && status == job.StatusCancelled {
		_ = s.executions.Cancel(ctx, exec.ID)
		s.metrics.IncCancelled()
		s.publishTerminal(exec.UUID, "cancelled")
		span.SetAttributes(attribute.String("job.result", "cancelled"))
		slog.Default().InfoContext(ctx, "job.cancelled_discarded", "job_id", j.ID, "execution_uuid", exec.UUID)
		return
	}

	d := time.Since(start)

	switch {
	case sendErr != nil:
		// transport error or timeout: transient
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		s.metrics.ObserveDuration(d)
		s.failAttempt(ctx, j, &exec, sendErr)

	default:
		switch res := result.(type) {
		case *ipc.TaskResult:
			if res.Result.Success {
				s.completeJob(ctx, j, t, exec, res.Result.Output)
				s.metrics.ObserveDuration(d)
				span.SetStatus(codes.Ok, "completed")
				span.SetAttributes(attribute.Int64("job.duration_ms", d.Milliseconds()))
			} else {
				execErr := errors.New(res.Result.ErrorMessage)
				span.RecordError(execErr)
				s.metrics.ObserveDuration(d)
				s.failAttemptWithDetails(ctx, j, &exec, execErr, res.Result.ErrorDetails)
			}

		case *ipc.WorkerError:
			execErr := xerrors.Transient(xerrors.CodeWorkerCrashed, res.Error, nil)
			span.RecordError(execErr)
			s.metrics.ObserveDuration(d)
			s.failAttempt(ctx, j, &exec, execErr)

		default:
			execErr := errors.New("unexpected worker response")
			span.RecordError(execErr)
			s.failAttempt(ctx, j, &exec, execErr)
		}
	}
}

func taskPath(t task.Task) string {
	if t.Source.Type == task.SourceFile && t.Source.Path != "" {
		return t.Source.Path
	}
	return t.Name
}

func (s *Scheduler) completeJob(ctx context.Context, j job.Job, t task.Task, exec execution.Execution, output json.RawMessage) {
	if err := s.executions.Complete(ctx, exec.ID, output); err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.complete_execution_failed", "execution_id", exec.ID, "err", err)
	}
	if err := s.queue.Complete(ctx, j.ID); err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.complete_job_failed", "job_id", j.ID, "err", err)
	}

	s.metrics.IncCompleted()
	s.publishTerminal(exec.UUID, "completed")

	slog.Default().InfoContext(ctx, "job.done",
		"job_id", j.ID,
		"execution_uuid", exec.UUID,
		"task", t.Name,
	)

	descs, err := destinations.ParseList(j.OutputDestinations)
	if err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.bad_destinations", "job_id", j.ID, "err", err)
		return
	}
	if len(descs) == 0 || s.dispatcher == nil {
		return
	}

	s.dispatcher.Submit(ctx, exec.ID, output, destinations.DeliveryContext{
		JobUUID:   j.UUID,
		TaskName:  t.Name,
		Timestamp: time.Now().UTC(),
		Env:       s.cfg.Env,
	}, descs)
}

// failAttempt records a failed execution and decides retry vs. terminal.
func (s *Scheduler) failAttempt(ctx context.Context, j job.Job, exec *execution.Execution, cause error) {
	s.failAttemptWithDetails(ctx, j, exec, cause, nil)
}

func (s *Scheduler) failAttemptWithDetails(ctx context.Context, j job.Job, exec *execution.Execution, cause error, details json.RawMessage) {
	if exec != nil {
		if err := s.executions.Fail(ctx, exec.ID, cause.Error(), details); err != nil {
			slog.Default().ErrorContext(ctx, "scheduler.fail_execution_failed", "execution_id", exec.ID, "err", err)
		}
		s.publishTerminal(exec.UUID, "failed")
	}

	// permanent errors never retry regardless of budget
	if j.CanRetry() && !xerrors.IsPermanent(cause) {
		if err := s.queue.ScheduleRetry(ctx, j, cause); err != nil {
			slog.Default().ErrorContext(ctx, "scheduler.schedule_retry_failed", "job_id", j.ID, "err", err)
			s.failJob(ctx, j, exec, cause)
			return
		}
		s.metrics.IncRetried()
		return
	}

	s.failJob(ctx, j, nil, cause)
}

func (s *Scheduler) failJob(ctx context.Context, j job.Job, exec *execution.Execution, cause error) {
	if exec != nil {
		if err := s.executions.Fail(ctx, exec.ID, cause.Error(), nil); err != nil {
			slog.Default().ErrorContext(ctx, "scheduler.fail_execution_failed", "execution_id", exec.ID, "err", err)
		}
		s.publishTerminal(exec.UUID, "failed")
	}

	if err := s.queue.Fail(ctx, j.ID, cause.Error()); err != nil {
		slog.Default().ErrorContext(ctx, "scheduler.fail_job_failed", "job_id", j.ID, "err", err)
	}

	s.metrics.IncFailed()
	slog.Default().ErrorContext(ctx, "job.failed_terminal",
		"job_id", j.ID,
		"retry_count", j.RetryCount,
		"max_retries", j.MaxRetries,
		"err", cause,
	)
}

func (s *Scheduler) publishTerminal(executionUUID, step string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(progress.Update{
		ExecutionUUID: executionUUID,
		Progress:      1.0,
		Step:          step,
	})
}

// LogMetricsLoop logs a snapshot on interval, the queue worker's habit.
func (s *Scheduler) LogMetricsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := s.metrics.Snapshot()
			log.Printf("scheduler metrics dequeued=%d completed=%d failed=%d retried=%d cancelled=%d deferred=%d dur_avg=%s dur_max=%s",
				snap.Dequeued, snap.Completed, snap.Failed, snap.Retried, snap.Cancelled, snap.Deferred,
				snap.AverageDuration, snap.MaxDuration,
			)
		}
	}
}
