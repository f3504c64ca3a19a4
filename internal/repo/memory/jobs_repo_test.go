package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ratchetd/ratchet/internal/domain/job"
)

func mustCreate(t *testing.T, r *JobsRepo, req job.CreateRequest) job.Job {
	t.Helper()
	j, err := r.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestDequeueOrdering(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	a := mustCreate(t, r, job.CreateRequest{TaskID: 1, Priority: job.PriorityNormal, Input: json.RawMessage(`{}`)})
	time.Sleep(2 * time.Millisecond)
	b := mustCreate(t, r, job.CreateRequest{TaskID: 1, Priority: job.PriorityNormal, Input: json.RawMessage(`{}`)})
	time.Sleep(2 * time.Millisecond)
	c := mustCreate(t, r, job.CreateRequest{TaskID: 1, Priority: job.PriorityUrgent, Input: json.RawMessage(`{}`)})

	got, err := r.DequeueReady(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(got))
	}

	// urgent first, then FIFO within normal
	if got[0].ID != c.ID {
		t.Errorf("expected urgent job %d first, got %d", c.ID, got[0].ID)
	}
	if got[1].ID != a.ID || got[2].ID != b.ID {
		t.Errorf("expected FIFO order %d,%d got %d,%d", a.ID, b.ID, got[1].ID, got[2].ID)
	}
}

func TestDequeueClaimsAtMostOnce(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	j := mustCreate(t, r, job.CreateRequest{TaskID: 1, Input: json.RawMessage(`{}`)})

	first, err := r.DequeueReady(ctx, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first dequeue: %v len=%d", err, len(first))
	}
	if first[0].Status != job.StatusProcessing {
		t.Fatalf("expected processing, got %s", first[0].Status)
	}

	second, err := r.DequeueReady(ctx, 1)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("job %d dequeued twice", j.ID)
	}
}

func TestScheduledJobNotReadyUntilProcessAt(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	j := mustCreate(t, r, job.CreateRequest{TaskID: 1, ProcessAt: &future, Input: json.RawMessage(`{}`)})
	if j.Status != job.StatusScheduled {
		t.Fatalf("expected scheduled status, got %s", j.Status)
	}

	got, err := r.DequeueReady(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("future job should not be ready")
	}
}

func TestRetryLifecycle(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	j := mustCreate(t, r, job.CreateRequest{TaskID: 1, MaxRetries: 1, Input: json.RawMessage(`{}`)})

	if _, err := r.DequeueReady(ctx, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	processAt := time.Now().UTC().Add(-time.Second)
	if err := r.MarkForRetry(ctx, j.ID, processAt, "boom"); err != nil {
		t.Fatalf("mark for retry: %v", err)
	}

	got, _ := r.GetByID(ctx, j.ID)
	if got.Status != job.StatusRetrying || got.RetryCount != 1 {
		t.Fatalf("expected retrying/1, got %s/%d", got.Status, got.RetryCount)
	}

	// retry_count never exceeds max_retries
	if err := r.MarkForRetry(ctx, j.ID, processAt, "boom again"); err == nil {
		t.Fatal("expected retries exhausted error")
	}

	// a retrying job with past process_at is ready again
	ready, _ := r.DequeueReady(ctx, 1)
	if len(ready) != 1 || ready[0].ID != j.ID {
		t.Fatalf("expected retrying job to dequeue")
	}
}

func TestCancel(t *testing.T) {
	r := NewJobsRepo()
	ctx := context.Background()

	j := mustCreate(t, r, job.CreateRequest{TaskID: 1, Input: json.RawMessage(`{}`)})
	if err := r.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := r.GetByID(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	if err := r.Cancel(ctx, j.ID); err == nil {
		t.Fatal("expected not-cancellable for terminal job")
	}
}
