package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/destinations"
	"github.com/ratchetd/ratchet/internal/http/middlewares"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/repo"
)

// JobsStore is the repo slice behind the jobs surface.
type JobsStore interface {
	GetByID(ctx context.Context, id int64) (job.Job, error)
	GetByUUID(ctx context.Context, uuid string) (job.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (job.Job, error)
	List(ctx context.Context, filters repo.JobFilters, page repo.Pagination) ([]job.Job, repo.ListMeta, error)
	RetryFailed(ctx context.Context, id int64) error
	RetryManyFailed(ctx context.Context, limit int) (int64, error)
}

type JobsHandler struct {
	queue *queue.Queue
	jobs  JobsStore
}

func NewJobsHandler(q *queue.Queue, jobs JobsStore) *JobsHandler {
	return &JobsHandler{queue: q, jobs: jobs}
}

type submitJobRequest struct {
	TaskID             int64           `json:"taskId" binding:"required"`
	Input              json.RawMessage `json:"input" binding:"required"`
	Priority           string          `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
	MaxRetries         int             `json:"maxRetries" binding:"omitempty,min=0,max=25"`
	RetryDelaySeconds  int             `json:"retryDelaySeconds" binding:"omitempty,min=1"`
	ProcessAt          *time.Time      `json:"processAt"`
	OutputDestinations json.RawMessage `json:"outputDestinations"`
	IdempotencyKey     *string         `json:"idempotencyKey"`
}

// POST /jobs
func (h *JobsHandler) Submit(ctx *gin.Context) {
	var req submitJobRequest
	if !BindJSON(ctx, &req) {
		return
	}

	if len(req.OutputDestinations) > 0 {
		descs, err := destinations.ParseList(req.OutputDestinations)
		if err != nil {
			RespondBadRequest(ctx, "Invalid output destinations", gin.H{"parse": err.Error()})
			return
		}
		for i, d := range descs {
			if err := d.Validate(); err != nil {
				RespondBadRequest(ctx, "Invalid output destination", gin.H{"index": i, "reason": err.Error()})
				return
			}
		}
	}

	clientID, _ := middlewares.ClientIDFromContext(ctx)

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	j, err := h.queue.Enqueue(cctx, job.CreateRequest{
		TaskID:             req.TaskID,
		Input:              req.Input,
		Priority:           job.Priority(req.Priority),
		MaxRetries:         req.MaxRetries,
		RetryDelaySeconds:  req.RetryDelaySeconds,
		ProcessAt:          req.ProcessAt,
		OutputDestinations: req.OutputDestinations,
		RateKey:            clientID,
		IdempotencyKey:     req.IdempotencyKey,
	})

	if err != nil {
		if errors.Is(err, job.ErrInvalidPriority) {
			RespondBadRequest(ctx, "Invalid priority", nil)
			return
		}

		if req.IdempotencyKey != nil {
			existing, gerr := h.jobs.GetByIdempotencyKey(cctx, *req.IdempotencyKey)
			if gerr == nil {
				ctx.JSON(http.StatusAccepted, gin.H{
					"jobId":           existing.ID,
					"jobUuid":         existing.UUID,
					"status":          existing.Status,
					"alreadyEnqueued": true,
				})
				return
			}
		}

		RespondInternal(ctx, "Could not enqueue job")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"jobId":   j.ID,
		"jobUuid": j.UUID,
		"status":  j.Status,
	})
	ctx.Set(string(middlewares.CtxJobID), j.ID)
	slog.Default().InfoContext(cctx, "job.submitted",
		"request_id", requestIDFrom(ctx),
		"job_id", j.ID,
		"task_id", j.TaskID,
		"priority", j.Priority,
		"client_id", clientID,
	)
}

// GET /jobs
func (h *JobsHandler) List(ctx *gin.Context) {
	filters := repo.JobFilters{
		TaskID:     queryInt64(ctx, "task_id"),
		ScheduleID: queryInt64(ctx, "schedule_id"),
		UUIDIn:     queryList(ctx, "uuid_in"),
		IDIn:       queryInt64List(ctx, "id_in"),
	}

	for _, s := range queryList(ctx, "status_in") {
		status := job.Status(s)
		if !status.IsValid() {
			RespondBadRequest(ctx, "Invalid status filter", gin.H{"status": s})
			return
		}
		filters.StatusIn = append(filters.StatusIn, status)
	}
	for _, p := range queryList(ctx, "priority_in") {
		priority := job.Priority(p)
		if !priority.IsValid() {
			RespondBadRequest(ctx, "Invalid priority filter", gin.H{"priority": p})
			return
		}
		filters.PriorityIn = append(filters.PriorityIn, priority)
	}

	var ok bool
	if filters.QueuedAfter, ok = queryTime(ctx, "queued_after"); !ok {
		RespondBadRequest(ctx, "queued_after must be RFC 3339", nil)
		return
	}
	if filters.QueuedBefore, ok = queryTime(ctx, "queued_before"); !ok {
		RespondBadRequest(ctx, "queued_before must be RFC 3339", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, meta, err := h.jobs.List(cctx, filters, paginationFrom(ctx))
	if err != nil {
		RespondInternal(ctx, "Could not list jobs")
		return
	}
	ctx.JSON(http.StatusOK, listResponse(items, meta))
}

// GET /jobs/:id
func (h *JobsHandler) Get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	j, err := h.jobs.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not fetch job")
		return
	}
	ctx.JSON(http.StatusOK, j)
}

// POST /jobs/:id/cancel
func (h *JobsHandler) Cancel(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.queue.Cancel(cctx, id); err != nil {
		if errors.Is(err, job.ErrNotCancellable) {
			RespondConflict(ctx, "business_rule_violation", "Job is not cancellable in its current status")
			return
		}
		RespondInternal(ctx, "Could not cancel job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"jobId": id, "status": job.StatusCancelled})
}

// POST /jobs/:id/retry requeues a terminally failed job.
func (h *JobsHandler) Retry(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.jobs.RetryFailed(cctx, id); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		if errors.Is(err, job.ErrInvalidStatus) {
			RespondConflict(ctx, "business_rule_violation", "Only failed jobs can be retried")
			return
		}
		RespondInternal(ctx, "Could not retry job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"jobId": id, "status": job.StatusQueued})
}

// POST /jobs/reprocess-failed?limit=50
func (h *JobsHandler) ReprocessFailed(ctx *gin.Context) {
	limit := 50
	if v, err := strconv.Atoi(ctx.Query("limit")); err == nil && v > 0 {
		limit = v
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	n, err := h.jobs.RetryManyFailed(cctx, limit)
	if err != nil {
		RespondInternal(ctx, "Could not reprocess failed jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"requeued": n})
}
