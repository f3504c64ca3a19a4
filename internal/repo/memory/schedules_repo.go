package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/schedule"
	"github.com/ratchetd/ratchet/internal/repo"
)

type SchedulesRepo struct {
	mu        sync.Mutex
	nextID    int64
	schedules map[int64]*schedule.Schedule
}

func NewSchedulesRepo() *SchedulesRepo {
	return &SchedulesRepo{schedules: make(map[int64]*schedule.Schedule)}
}

func (r *SchedulesRepo) Create(_ context.Context, req schedule.CreateRequest) (schedule.Schedule, error) {
	s, err := schedule.New(req)
	if err != nil {
		return schedule.Schedule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s.ID = r.nextID
	cp := s
	r.schedules[s.ID] = &cp
	return s, nil
}

func (r *SchedulesRepo) GetByID(_ context.Context, id int64) (schedule.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return schedule.Schedule{}, schedule.ErrScheduleNotFound
	}
	return *s, nil
}

func (r *SchedulesRepo) Due(_ context.Context, now time.Time, limit int) ([]schedule.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var due []schedule.Schedule
	for _, s := range r.schedules {
		if s.Due(now) {
			due = append(due, *s)
		}
	}

	sort.Slice(due, func(a, b int) bool {
		return due[a].NextRun.Before(*due[b].NextRun)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *SchedulesRepo) Advance(_ context.Context, id int64, expectedNextRun, firedAt, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return schedule.ErrScheduleNotFound
	}
	if s.NextRun == nil || !s.NextRun.Equal(expectedNextRun) {
		return schedule.ErrScheduleNotFound
	}

	fired := firedAt
	next := nextRun
	s.LastRun = &fired
	s.NextRun = &next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *SchedulesRepo) SetEnabled(_ context.Context, id int64, enabled bool, nextRun *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return schedule.ErrScheduleNotFound
	}
	s.Enabled = enabled
	s.NextRun = nextRun
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *SchedulesRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[id]; !ok {
		return schedule.ErrScheduleNotFound
	}
	delete(r.schedules, id)
	return nil
}

func (r *SchedulesRepo) List(_ context.Context, filters repo.ScheduleFilters, page repo.Pagination) ([]schedule.Schedule, repo.ListMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []schedule.Schedule
	for _, s := range r.schedules {
		if filters.TaskID != nil && s.TaskID != *filters.TaskID {
			continue
		}
		if filters.NameContains != nil && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(*filters.NameContains)) {
			continue
		}
		if filters.Enabled != nil && s.Enabled != *filters.Enabled {
			continue
		}
		if len(filters.UUIDIn) > 0 && !containsString(filters.UUIDIn, s.UUID) {
			continue
		}
		if len(filters.IDIn) > 0 && !containsInt64(filters.IDIn, s.ID) {
			continue
		}
		matched = append(matched, *s)
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
