package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/task"
	"github.com/ratchetd/ratchet/internal/repo"
)

type TasksRepo struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*task.Task
}

func NewTasksRepo() *TasksRepo {
	return &TasksRepo{tasks: make(map[int64]*task.Task)}
}

func (r *TasksRepo) Create(_ context.Context, req task.CreateRequest) (task.Task, error) {
	t, err := task.New(req)
	if err != nil {
		return task.Task{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.tasks {
		if existing.DeletedAt == nil && existing.Name == t.Name {
			return task.Task{}, task.ErrDuplicateName
		}
	}

	r.nextID++
	t.ID = r.nextID
	cp := t
	r.tasks[t.ID] = &cp
	return t, nil
}

func (r *TasksRepo) GetByID(_ context.Context, id int64) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.DeletedAt != nil {
		return task.Task{}, task.ErrTaskNotFound
	}
	return *t, nil
}

func (r *TasksRepo) GetByName(_ context.Context, name string) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.DeletedAt == nil && t.Name == name {
			return *t, nil
		}
	}
	return task.Task{}, task.ErrTaskNotFound
}

func (r *TasksRepo) SetEnabled(_ context.Context, id int64, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.DeletedAt != nil {
		return task.ErrTaskNotFound
	}
	t.Enabled = enabled
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *TasksRepo) MarkValidated(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.DeletedAt != nil {
		return task.ErrTaskNotFound
	}
	t.ValidatedAt = &at
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *TasksRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.DeletedAt != nil {
		return task.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	t.Enabled = false
	t.UpdatedAt = now
	return nil
}

func (r *TasksRepo) List(_ context.Context, filters repo.TaskFilters, page repo.Pagination) ([]task.Task, repo.ListMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []task.Task
	for _, t := range r.tasks {
		if !matchTask(*t, filters) {
			continue
		}
		matched = append(matched, *t)
	}

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].Name != matched[b].Name {
			return matched[a].Name < matched[b].Name
		}
		return matched[a].ID < matched[b].ID
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

func matchTask(t task.Task, f repo.TaskFilters) bool {
	if !f.IncludeDeleted && t.DeletedAt != nil {
		return false
	}
	if f.NameContains != nil && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(*f.NameContains)) {
		return false
	}
	if f.NameStartsWith != nil && !strings.HasPrefix(strings.ToLower(t.Name), strings.ToLower(*f.NameStartsWith)) {
		return false
	}
	if len(f.VersionIn) > 0 && !containsString(f.VersionIn, t.Version) {
		return false
	}
	if f.Enabled != nil && t.Enabled != *f.Enabled {
		return false
	}
	if f.HasValidation != nil {
		if *f.HasValidation != (t.ValidatedAt != nil) {
			return false
		}
	}
	if len(f.UUIDIn) > 0 && !containsString(f.UUIDIn, t.UUID) {
		return false
	}
	if len(f.IDIn) > 0 && !containsInt64(f.IDIn, t.ID) {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && t.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}
