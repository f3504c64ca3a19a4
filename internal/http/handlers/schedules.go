package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain/schedule"
	"github.com/ratchetd/ratchet/internal/repo"
)

type SchedulesStore interface {
	Create(ctx context.Context, req schedule.CreateRequest) (schedule.Schedule, error)
	GetByID(ctx context.Context, id int64) (schedule.Schedule, error)
	SetEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filters repo.ScheduleFilters, page repo.Pagination) ([]schedule.Schedule, repo.ListMeta, error)
}

type SchedulesHandler struct {
	schedules SchedulesStore
}

func NewSchedulesHandler(schedules SchedulesStore) *SchedulesHandler {
	return &SchedulesHandler{schedules: schedules}
}

type createScheduleRequest struct {
	TaskID             int64           `json:"taskId" binding:"required"`
	Name               string          `json:"name" binding:"required,min=1,max=200"`
	CronExpression     string          `json:"cronExpression" binding:"required"`
	Enabled            *bool           `json:"enabled"`
	Input              json.RawMessage `json:"input"`
	OutputDestinations json.RawMessage `json:"outputDestinations"`
}

// POST /schedules
func (h *SchedulesHandler) Create(ctx *gin.Context) {
	var req createScheduleRequest
	if !BindJSON(ctx, &req) {
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	s, err := h.schedules.Create(cctx, schedule.CreateRequest{
		TaskID:             req.TaskID,
		Name:               req.Name,
		CronExpression:     req.CronExpression,
		Enabled:            enabled,
		Input:              req.Input,
		OutputDestinations: req.OutputDestinations,
	})

	if err != nil {
		if errors.Is(err, schedule.ErrInvalidCron) {
			RespondBadRequest(ctx, "Invalid cron expression", gin.H{"cron": req.CronExpression})
			return
		}
		RespondInternal(ctx, "Could not create schedule")
		return
	}

	ctx.JSON(http.StatusCreated, s)
}

// GET /schedules
func (h *SchedulesHandler) List(ctx *gin.Context) {
	filters := repo.ScheduleFilters{
		TaskID:       queryInt64(ctx, "task_id"),
		NameContains: queryString(ctx, "name_contains"),
		Enabled:      queryBool(ctx, "enabled"),
		UUIDIn:       queryList(ctx, "uuid_in"),
		IDIn:         queryInt64List(ctx, "id_in"),
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, meta, err := h.schedules.List(cctx, filters, paginationFrom(ctx))
	if err != nil {
		RespondInternal(ctx, "Could not list schedules")
		return
	}
	ctx.JSON(http.StatusOK, listResponse(items, meta))
}

// GET /schedules/:id
func (h *SchedulesHandler) Get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	s, err := h.schedules.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			RespondNotFound(ctx, "Schedule not found")
			return
		}
		RespondInternal(ctx, "Could not fetch schedule")
		return
	}
	ctx.JSON(http.StatusOK, s)
}

// PATCH /schedules/:id/enabled recomputes next_run on enable and clears it
// on disable.
func (h *SchedulesHandler) SetEnabled(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	var req setEnabledRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	s, err := h.schedules.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			RespondNotFound(ctx, "Schedule not found")
			return
		}
		RespondInternal(ctx, "Could not fetch schedule")
		return
	}

	var nextRun *time.Time
	if *req.Enabled {
		next, err := schedule.NextAfter(s.CronExpression, time.Now().UTC())
		if err != nil {
			RespondInternal(ctx, "Could not compute next run")
			return
		}
		nextRun = &next
	}

	if err := h.schedules.SetEnabled(cctx, id, *req.Enabled, nextRun); err != nil {
		RespondInternal(ctx, "Could not update schedule")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"scheduleId": id, "enabled": *req.Enabled, "nextRun": nextRun})
}

// DELETE /schedules/:id
func (h *SchedulesHandler) Delete(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.schedules.Delete(cctx, id); err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			RespondNotFound(ctx, "Schedule not found")
			return
		}
		RespondInternal(ctx, "Could not delete schedule")
		return
	}
	ctx.Status(http.StatusNoContent)
}
