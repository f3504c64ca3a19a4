package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ratchetd/ratchet/internal/domain/execution"
	"github.com/ratchetd/ratchet/internal/repo"
)

type ExecutionsRepo struct {
	mu     sync.Mutex
	nextID int64
	execs  map[int64]*execution.Execution
}

func NewExecutionsRepo() *ExecutionsRepo {
	return &ExecutionsRepo{execs: make(map[int64]*execution.Execution)}
}

func (r *ExecutionsRepo) Create(_ context.Context, taskID int64, jobID *int64, input json.RawMessage) (execution.Execution, error) {
	e := execution.New(taskID, jobID, input)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e.ID = r.nextID
	cp := e
	r.execs[e.ID] = &cp
	return e, nil
}

func (r *ExecutionsRepo) GetByID(_ context.Context, id int64) (execution.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.execs[id]
	if !ok {
		return execution.Execution{}, execution.ErrExecutionNotFound
	}
	return *e, nil
}

func (r *ExecutionsRepo) GetByUUID(_ context.Context, uuid string) (execution.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.execs {
		if e.UUID == uuid {
			return *e, nil
		}
	}
	return execution.Execution{}, execution.ErrExecutionNotFound
}

func (r *ExecutionsRepo) MarkRunning(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.execs[id]
	if !ok {
		return execution.ErrExecutionNotFound
	}
	return e.Start()
}

func (r *ExecutionsRepo) Complete(_ context.Context, id int64, output json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.execs[id]
	if !ok {
		return execution.ErrExecutionNotFound
	}
	return e.Complete(output)
}

func (r *ExecutionsRepo) Fail(_ context.Context, id int64, message string, details json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.execs[id]
	if !ok {
		return execution.ErrExecutionNotFound
	}
	return e.Fail(message, details)
}

func (r *ExecutionsRepo) Cancel(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.execs[id]
	if !ok {
		return execution.ErrExecutionNotFound
	}
	return e.Cancel()
}

func (r *ExecutionsRepo) List(_ context.Context, filters repo.ExecutionFilters, page repo.Pagination) ([]execution.Execution, repo.ListMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []execution.Execution
	for _, e := range r.execs {
		if !matchExecution(*e, filters) {
			continue
		}
		matched = append(matched, *e)
	}

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].QueuedAt.Equal(matched[b].QueuedAt) {
			return matched[a].QueuedAt.After(matched[b].QueuedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	limit, offset := page.Resolve()
	total := int64(len(matched))

	if offset >= len(matched) {
		return nil, repo.MetaFor(limit, offset, total), nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], repo.MetaFor(limit, offset, total), nil
}

func matchExecution(e execution.Execution, f repo.ExecutionFilters) bool {
	if f.TaskID != nil && e.TaskID != *f.TaskID {
		return false
	}
	if f.JobID != nil && (e.JobID == nil || *e.JobID != *f.JobID) {
		return false
	}
	if len(f.StatusIn) > 0 {
		found := false
		for _, s := range f.StatusIn {
			if s == e.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.UUIDIn) > 0 && !containsString(f.UUIDIn, e.UUID) {
		return false
	}
	if len(f.IDIn) > 0 && !containsInt64(f.IDIn, e.ID) {
		return false
	}
	if f.QueuedAfter != nil && e.QueuedAt.Before(*f.QueuedAfter) {
		return false
	}
	if f.QueuedBefore != nil && e.QueuedAt.After(*f.QueuedBefore) {
		return false
	}
	if f.CompletedAfter != nil && (e.CompletedAt == nil || e.CompletedAt.Before(*f.CompletedAfter)) {
		return false
	}
	if f.CompletedBefore != nil && (e.CompletedAt == nil || e.CompletedAt.After(*f.CompletedBefore)) {
		return false
	}
	return true
}
