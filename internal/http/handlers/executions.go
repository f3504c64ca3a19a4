package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain/delivery"
	"github.com/ratchetd/ratchet/internal/domain/execution"
	"github.com/ratchetd/ratchet/internal/repo"
)

type ExecutionsStore interface {
	GetByID(ctx context.Context, id int64) (execution.Execution, error)
	GetByUUID(ctx context.Context, uuid string) (execution.Execution, error)
	List(ctx context.Context, filters repo.ExecutionFilters, page repo.Pagination) ([]execution.Execution, repo.ListMeta, error)
}

type DeliveriesStore interface {
	ListByExecution(ctx context.Context, executionID int64) ([]delivery.Result, error)
}

type ExecutionsHandler struct {
	executions ExecutionsStore
	deliveries DeliveriesStore
}

func NewExecutionsHandler(executions ExecutionsStore, deliveries DeliveriesStore) *ExecutionsHandler {
	return &ExecutionsHandler{executions: executions, deliveries: deliveries}
}

// GET /executions
func (h *ExecutionsHandler) List(ctx *gin.Context) {
	filters := repo.ExecutionFilters{
		TaskID: queryInt64(ctx, "task_id"),
		JobID:  queryInt64(ctx, "job_id"),
		UUIDIn: queryList(ctx, "uuid_in"),
		IDIn:   queryInt64List(ctx, "id_in"),
	}

	for _, s := range queryList(ctx, "status_in") {
		status := execution.Status(s)
		if !status.IsValid() {
			RespondBadRequest(ctx, "Invalid status filter", gin.H{"status": s})
			return
		}
		filters.StatusIn = append(filters.StatusIn, status)
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
	if filters.CompletedAfter, ok = queryTime(ctx, "completed_after"); !ok {
		RespondBadRequest(ctx, "completed_after must be RFC 3339", nil)
		return
	}
	if filters.CompletedBefore, ok = queryTime(ctx, "completed_before"); !ok {
		RespondBadRequest(ctx, "completed_before must be RFC 3339", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, meta, err := h.executions.List(cctx, filters, paginationFrom(ctx))
	if err != nil {
		RespondInternal(ctx, "Could not list executions")
		return
	}
	ctx.JSON(http.StatusOK, listResponse(items, meta))
}

// GET /executions/:id
func (h *ExecutionsHandler) Get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	e, err := h.executions.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, execution.ErrExecutionNotFound) {
			RespondNotFound(ctx, "Execution not found")
			return
		}
		RespondInternal(ctx, "Could not fetch execution")
		return
	}
	ctx.JSON(http.StatusOK, e)
}

// GET /executions/:id/deliveries
func (h *ExecutionsHandler) Deliveries(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if _, err := h.executions.GetByID(cctx, id); err != nil {
		if errors.Is(err, execution.ErrExecutionNotFound) {
			RespondNotFound(ctx, "Execution not found")
			return
		}
		RespondInternal(ctx, "Could not fetch execution")
		return
	}

	results, err := h.deliveries.ListByExecution(cctx, id)
	if err != nil {
		RespondInternal(ctx, "Could not list delivery results")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"items": results})
}
