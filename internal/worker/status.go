package worker

import (
	"sync/atomic"
	"time"

	"github.com/ratchetd/ratchet/internal/ipc"
)

// statusCounters tracks the worker's lifetime activity; reported in pongs.
type statusCounters struct {
	tasksExecuted atomic.Uint64
	tasksFailed   atomic.Uint64
	lastActivity  atomic.Int64 // unix nanos
}

func (s *statusCounters) recordExecution(failed bool) {
	s.tasksExecuted.Add(1)
	if failed {
		s.tasksFailed.Add(1)
	}
	s.touch()
}

func (s *statusCounters) touch() {
	s.lastActivity.Store(time.Now().UTC().UnixNano())
}

func (s *statusCounters) snapshot() ipc.WorkerStatus {
	var last time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns).UTC()
	}
	return ipc.WorkerStatus{
		TasksExecuted: s.tasksExecuted.Load(),
		TasksFailed:   s.tasksFailed.Load(),
		LastActivity:  last,
	}
}
