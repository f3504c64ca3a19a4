package observability

import (
	"sync/atomic"
	"time"
)

// JobMetrics counts scheduler outcomes with lock-free counters; a snapshot
// is logged periodically alongside the prometheus series.
type JobMetrics struct {
	dequeued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	cancelled atomic.Uint64
	deferred  atomic.Uint64 // rate-limit requeues

	// duration stats (nanoseconds)
	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewJobMetrics() *JobMetrics {
	return &JobMetrics{}
}

func (m *JobMetrics) IncDequeued()  { m.dequeued.Add(1) }
func (m *JobMetrics) IncCompleted() { m.completed.Add(1) }
func (m *JobMetrics) IncFailed()    { m.failed.Add(1) }
func (m *JobMetrics) IncRetried()   { m.retried.Add(1) }
func (m *JobMetrics) IncCancelled() { m.cancelled.Add(1) }
func (m *JobMetrics) IncDeferred()  { m.deferred.Add(1) }

func (m *JobMetrics) ObserveDuration(d time.Duration) {
	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)

	for {
		curr := m.durationMax.Load()
		if ns <= curr {
			return
		}
		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type JobMetricsSnapshot struct {
	Dequeued        uint64
	Completed       uint64
	Failed          uint64
	Retried         uint64
	Cancelled       uint64
	Deferred        uint64
	DurationCount   uint64
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

func (m *JobMetrics) Snapshot() JobMetricsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()
	max := m.durationMax.Load()

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return JobMetricsSnapshot{
		Dequeued:        m.dequeued.Load(),
		Completed:       m.completed.Load(),
		Failed:          m.failed.Load(),
		Retried:         m.retried.Load(),
		Cancelled:       m.cancelled.Load(),
		Deferred:        m.deferred.Load(),
		DurationCount:   count,
		AverageDuration: avg,
		MaxDuration:     time.Duration(max),
	}
}
