package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/domain/job"
	"github.com/ratchetd/ratchet/internal/http/handlers"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/repo/memory"
)

type jobsFixture struct {
	router *gin.Engine
	jobs   *memory.JobsRepo
	queue  *queue.Queue
}

func newJobsFixture() *jobsFixture {
	gin.SetMode(gin.TestMode)

	jobsRepo := memory.NewJobsRepo()
	q := queue.New(jobsRepo, nil, queue.Config{})
	h := handlers.NewJobsHandler(q, jobsRepo)

	r := gin.New()
	r.POST("/jobs", h.Submit)
	r.GET("/jobs", h.List)
	r.GET("/jobs/:id", h.Get)
	r.POST("/jobs/:id/cancel", h.Cancel)
	r.POST("/jobs/:id/retry", h.Retry)

	return &jobsFixture{router: r, jobs: jobsRepo, queue: q}
}

func (f *jobsFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSubmitJob(t *testing.T) {
	f := newJobsFixture()

	w := f.do(t, http.MethodPost, "/jobs", `{
		"taskId": 1,
		"input": {"num1": 5, "num2": 3},
		"priority": "high",
		"maxRetries": 2
	}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		JobID  int64      `json:"jobId"`
		Status job.Status `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != job.StatusQueued {
		t.Fatalf("expected queued, got %s", resp.Status)
	}

	stored, err := f.jobs.GetByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if stored.Priority != job.PriorityHigh || stored.MaxRetries != 2 {
		t.Fatalf("stored job mismatch: %+v", stored)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	f := newJobsFixture()

	w := f.do(t, http.MethodPost, "/jobs", `{"input":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing taskId, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/jobs", `{"taskId":1,"input":{},"priority":"extreme"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad priority, got %d", w.Code)
	}
}

func TestSubmitJobBadDestinations(t *testing.T) {
	f := newJobsFixture()

	w := f.do(t, http.MethodPost, "/jobs", `{
		"taskId": 1,
		"input": {},
		"outputDestinations": [{"type":"teleport","address":"mars"}]
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown destination type, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestCancelJob(t *testing.T) {
	f := newJobsFixture()

	w := f.do(t, http.MethodPost, "/jobs", `{"taskId":1,"input":{}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit failed: %d", w.Code)
	}

	var resp struct {
		JobID int64 `json:"jobId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	w = f.do(t, http.MethodPost, "/jobs/1/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d body=%s", w.Code, w.Body.String())
	}

	// a second cancel conflicts
	w = f.do(t, http.MethodPost, "/jobs/1/cancel", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", w.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newJobsFixture()

	w := f.do(t, http.MethodGet, "/jobs/99", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/jobs/banana", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", w.Code)
	}
}

func TestListJobsFiltersAndMeta(t *testing.T) {
	f := newJobsFixture()

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/jobs", `{"taskId":1,"input":{}}`)
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit %d failed: %d", i, w.Code)
		}
	}

	w := f.do(t, http.MethodGet, "/jobs?status_in=queued&limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Items []job.Job `json:"items"`
		Meta  struct {
			Total       int64 `json:"total"`
			TotalPages  int   `json:"total_pages"`
			HasNext     bool  `json:"has_next"`
			HasPrevious bool  `json:"has_previous"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(resp.Items) != 2 || resp.Meta.Total != 3 || resp.Meta.TotalPages != 2 {
		t.Fatalf("unexpected page: items=%d meta=%+v", len(resp.Items), resp.Meta)
	}
	if !resp.Meta.HasNext || resp.Meta.HasPrevious {
		t.Fatalf("unexpected has_next/has_previous: %+v", resp.Meta)
	}

	w = f.do(t, http.MethodGet, "/jobs?status_in=nonsense", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status filter, got %d", w.Code)
	}
}

func TestIdempotentSubmit(t *testing.T) {
	f := newJobsFixture()

	body := `{"taskId":1,"input":{},"idempotencyKey":"submit:once"}`

	w := f.do(t, http.MethodPost, "/jobs", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first submit failed: %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/jobs", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("duplicate submit should return the existing job: %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		AlreadyEnqueued bool `json:"alreadyEnqueued"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.AlreadyEnqueued {
		t.Fatalf("expected alreadyEnqueued flag, body=%s", w.Body.String())
	}
}
