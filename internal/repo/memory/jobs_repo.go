package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/repo"
)

// JobsRepo is the in-memory twin of the postgres repo, used in tests and
// single-process setups. Semantics mirror the SQL implementation.
type JobsRepo struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*job.Job
}

func NewJobsRepo() *JobsRepo {
	return &JobsRepo{jobs: make(map[int64]*job.Job)}
}

func (r *JobsRepo) Create(_ context.Context, req job.CreateRequest) (job.Job, error) {
	j, err := job.New(req)
	if err != nil {
		return job.Job{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if req.IdempotencyKey != nil {
		for _, existing := range r.jobs {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *req.IdempotencyKey {
				return job.Job{}, fmt.Errorf("duplicate idempotency key %q", *req.IdempotencyKey)
			}
		}
	}

	r.nextID++
	j.ID = r.nextID
	cp := j
	r.jobs[j.ID] = &cp
	return j, nil
}

func (r *JobsRepo) GetByID(_ context.Context, id int64) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return *j, nil
}

func (r *JobsRepo) GetByUUID(_ context.Context, uuid string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.UUID == uuid {
			return *j, nil
		}
	}
	return job.Job{}, job.ErrJobNotFound
}

func (r *JobsRepo) GetByIdempotencyKey(_ context.Context, key string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return *j, nil
		}
	}
	return job.Job{}, job.ErrJobNotFound
}

func (r *JobsRepo) DequeueReady(_ context.Context, batchSize int) ([]job.Job, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []*job.Job
	for _, j := range r.jobs {
		if j.ReadyAt(now) {
			ready = append(ready, j)
		}
	}

	sort.Slice(ready, func(a, b int) bool {
		ja, jb := ready[a], ready[b]
		if ja.Priority.Weight() != jb.Priority.Weight() {
			return ja.Priority.Weight() > jb.Priority.Weight()
		}
		if !ja.QueuedAt.Equal(jb.QueuedAt) {
			return ja.QueuedAt.Before(jb.QueuedAt)
		}
		return ja.ID < jb.ID
	})

	if len(ready) > batchSize {
		ready = ready[:batchSize]
	}

	out := make([]job.Job, 0, len(ready))
	for _, j := range ready {
		j.Status = job.StatusProcessing
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (r *JobsRepo) MarkProcessing(_ context.Context, id, executionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != job.StatusProcessing {
		return job.ErrJobNotFound
	}
	j.ExecutionID = &executionID
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *JobsRepo) Complete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != job.StatusProcessing {
		return job.ErrJobNotFound
	}
	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.LastError = nil
	j.UpdatedAt = now
	return nil
}

func (r *JobsRepo) Fail(_ context.Context, id int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.CompletedAt = &now
	j.LastError = &errMsg
	j.UpdatedAt = now
	return nil
}

func (r *JobsRepo) MarkForRetry(_ context.Context, id int64, processAt time.Time, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.RetryCount >= j.MaxRetries {
		return job.ErrRetriesExhausted
	}
	j.Status = job.StatusRetrying
	j.RetryCount++
	j.ProcessAt = &processAt
	j.LastError = &errMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *JobsRepo) Requeue(_ context.Context, id int64, processAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != job.StatusProcessing {
		return job.ErrJobNotFound
	}
	j.Status = job.StatusQueued
	j.ProcessAt = &processAt
	j.ExecutionID = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *JobsRepo) Cancel(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.ErrNotCancellable
	}
	switch j.Status {
	case job.StatusQueued, job.StatusRetrying, job.StatusScheduled, job.StatusProcessing:
		now := time.Now().UTC()
		j.Status = job.StatusCancelled
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	default:
		return job.ErrNotCancellable
	}
}

func (r *JobsRepo) Status(_ context.Context, id int64) (job.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return "", job.ErrJobNotFound
	}
	return j.Status, nil
}

func (r *JobsRepo) RetryFailed(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusFailed {
		return fmt.Errorf("%w: status is %s", job.ErrInvalidStatus, j.Status)
	}
	j.Status = job.StatusQueued
	j.RetryCount = 0
	j.ProcessAt = nil
	j.CompletedAt = nil
	j.LastError = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *JobsRepo) RetryManyFailed(_ context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if j.Status != job.StatusFailed {
			continue
		}
		j.Status = job.StatusQueued
		j.RetryCount = 0
		j.ProcessAt = nil
		j.CompletedAt = nil
		j.LastError = nil
		j.UpdatedAt = time.Now().UTC()
		n++
		if n >= int64(limit) {
			break
		}
	}
	return n, nil
}

func (r *JobsRepo) List(_ context.Context, filters repo.JobFilters, page repo.Pagination) ([]job.Job, repo.ListMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []job.Job
	for _, j := range r.jobs {
		if !matchJob(*j, filters) {
			continue
		}
		matched = append(matched, *j)
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

func matchJob(j job.Job, f repo.JobFilters) bool {
	if f.TaskID != nil && j.TaskID != *f.TaskID {
		return false
	}
	if f.ScheduleID != nil && (j.ScheduleID == nil || *j.ScheduleID != *f.ScheduleID) {
		return false
	}
	if len(f.StatusIn) > 0 && !containsStatus(f.StatusIn, j.Status) {
		return false
	}
	if len(f.PriorityIn) > 0 && !containsPriority(f.PriorityIn, j.Priority) {
		return false
	}
	if len(f.UUIDIn) > 0 && !containsString(f.UUIDIn, j.UUID) {
		return false
	}
	if len(f.IDIn) > 0 && !containsInt64(f.IDIn, j.ID) {
		return false
	}
	if f.QueuedAfter != nil && j.QueuedAt.Before(*f.QueuedAfter) {
		return false
	}
	if f.QueuedBefore != nil && j.QueuedAt.After(*f.QueuedBefore) {
		return false
	}
	return true
}

func containsStatus(ss []job.Status, s job.Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsPriority(ps []job.Priority, p job.Priority) bool {
	for _, v := range ps {
		if v == p {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt64(ss []int64, s int64) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
