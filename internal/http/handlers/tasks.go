package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/repo"
)

type TasksStore interface {
	Create(ctx context.Context, req task.CreateRequest) (task.Task, error)
	GetByID(ctx context.Context, id int64) (task.Task, error)
	GetByName(ctx context.Context, name string) (task.Task, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	MarkValidated(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filters repo.TaskFilters, page repo.Pagination) ([]task.Task, repo.ListMeta, error)
}

// TaskValidator runs the source through a worker's validation path.
type TaskValidator interface {
	ValidateTask(ctx context.Context, t task.Task) (valid bool, errs []string, err error)
}

type TasksHandler struct {
	tasks     TasksStore
	validator TaskValidator
}

func NewTasksHandler(tasks TasksStore, validator TaskValidator) *TasksHandler {
	return &TasksHandler{tasks: tasks, validator: validator}
}

type createTaskRequest struct {
	Name         string          `json:"name" binding:"required,min=1,max=200"`
	Version      string          `json:"version"`
	Description  *string         `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
	Source       task.Source     `json:"source" binding:"required"`
	Enabled      *bool           `json:"enabled"`
}

// POST /tasks
func (h *TasksHandler) Create(ctx *gin.Context) {
	var req createTaskRequest
	if !BindJSON(ctx, &req) {
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	t, err := h.tasks.Create(cctx, task.CreateRequest{
		Name:         req.Name,
		Version:      req.Version,
		Description:  req.Description,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Source:       req.Source,
		Enabled:      enabled,
	})

	if err != nil {
		if errors.Is(err, task.ErrDuplicateName) {
			RespondConflict(ctx, "duplicate_name", "A task with this name already exists")
			return
		}
		if errors.Is(err, task.ErrInvalidSource) {
			RespondBadRequest(ctx, "Invalid task source", nil)
			return
		}
		RespondInternal(ctx, "Could not create task")
		return
	}

	ctx.JSON(http.StatusCreated, t)
}

// GET /tasks
func (h *TasksHandler) List(ctx *gin.Context) {
	filters := repo.TaskFilters{
		NameContains:   queryString(ctx, "name_contains"),
		NameStartsWith: queryString(ctx, "name_starts_with"),
		VersionIn:      queryList(ctx, "version_in"),
		Enabled:        queryBool(ctx, "enabled"),
		HasValidation:  queryBool(ctx, "has_validation"),
		UUIDIn:         queryList(ctx, "uuid_in"),
		IDIn:           queryInt64List(ctx, "id_in"),
	}

	var ok bool
	if filters.CreatedAfter, ok = queryTime(ctx, "created_after"); !ok {
		RespondBadRequest(ctx, "created_after must be RFC 3339", nil)
		return
	}
	if filters.CreatedBefore, ok = queryTime(ctx, "created_before"); !ok {
		RespondBadRequest(ctx, "created_before must be RFC 3339", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, meta, err := h.tasks.List(cctx, filters, paginationFrom(ctx))
	if err != nil {
		RespondInternal(ctx, "Could not list tasks")
		return
	}
	ctx.JSON(http.StatusOK, listResponse(items, meta))
}

// GET /tasks/:id
func (h *TasksHandler) Get(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	t, err := h.tasks.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "Task not found")
			return
		}
		RespondInternal(ctx, "Could not fetch task")
		return
	}
	ctx.JSON(http.StatusOK, t)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// PATCH /tasks/:id/enabled
func (h *TasksHandler) SetEnabled(ctx *gin.Context) {
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

	if err := h.tasks.SetEnabled(cctx, id, *req.Enabled); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "Task not found")
			return
		}
		RespondInternal(ctx, "Could not update task")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"taskId": id, "enabled": *req.Enabled})
}

// POST /tasks/:id/validate sends the source through a worker.
func (h *TasksHandler) Validate(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(30 * time.Second)
	defer cancel()

	t, err := h.tasks.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "Task not found")
			return
		}
		RespondInternal(ctx, "Could not fetch task")
		return
	}

	valid, verrs, err := h.validator.ValidateTask(cctx, t)
	if err != nil {
		RespondError(ctx, http.StatusServiceUnavailable, "service_unavailable", "Validation worker unavailable", nil)
		return
	}

	if valid {
		if err := h.tasks.MarkValidated(cctx, id, time.Now().UTC()); err != nil {
			RespondInternal(ctx, "Could not record validation")
			return
		}
	}

	ctx.JSON(http.StatusOK, gin.H{"taskId": id, "valid": valid, "errors": verrs})
}

// DELETE /tasks/:id
func (h *TasksHandler) Delete(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.tasks.Delete(cctx, id); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "Task not found")
			return
		}
		RespondInternal(ctx, "Could not delete task")
		return
	}
	ctx.Status(http.StatusNoContent)
}
