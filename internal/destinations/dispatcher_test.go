package destinations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain/delivery"
)

type memRecorder struct {
	mu      sync.Mutex
	results []delivery.Result
}

func (m *memRecorder) Record(_ context.Context, r delivery.Result) (delivery.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.results) + 1)
	m.results = append(m.results, r)
	return r, nil
}

func (m *memRecorder) all() []delivery.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery.Result(nil), m.results...)
}

func TestFilesystemDeliveryJSON(t *testing.T) {
	dir := t.TempDir()
	rec := &memRecorder{}
	d := NewDispatcher(DispatcherConfig{Env: "test"}, rec)

	descs := []Descriptor{{
		Type:       TypeFilesystem,
		Path:       filepath.Join(dir, "{task_name}", "{job_uuid}.json"),
		Format:     "json",
		CreateDirs: true,
		Overwrite:  true,
	}}

	outcomes := d.Submit(context.Background(), 1, json.RawMessage(`{"result":8}`),
		DeliveryContext{JobUUID: "j-1", TaskName: "addition"}, descs)

	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)
	require.Equal(t, 1, outcomes[0].Attempts)

	body, err := os.ReadFile(filepath.Join(dir, "addition", "j-1.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"result":8}`, string(body))

	results := rec.all()
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, int64(1), results[0].ExecutionID)
}

func TestFilesystemYAMLAndNoOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	d := NewDispatcher(DispatcherConfig{Env: "test"}, nil)

	desc := Descriptor{Type: TypeFilesystem, Path: path, Format: "yaml", Overwrite: true}
	out := d.Submit(context.Background(), 0, json.RawMessage(`{"operation":"addition"}`), DeliveryContext{}, []Descriptor{desc})
	require.True(t, out[0].Success)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(body), "operation: addition")

	// second delivery without overwrite is a permanent failure, no retries
	desc.Overwrite = false
	out = d.Submit(context.Background(), 0, json.RawMessage(`{}`), DeliveryContext{}, []Descriptor{desc})
	require.False(t, out[0].Success)
	require.Equal(t, 1, out[0].Attempts)
}

func TestWebhookTransientFailuresThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	d := NewDispatcher(DispatcherConfig{Env: "test"}, rec)

	descs := []Descriptor{{
		Type: TypeWebhook,
		URL:  srv.URL,
		RetryPolicy: &RetryPolicyConfig{
			MaxAttempts:       3,
			InitialDelayMs:    10,
			MaxDelayMs:        100,
			BackoffMultiplier: 2.0,
		},
	}}

	start := time.Now()
	outcomes := d.Submit(context.Background(), 7, json.RawMessage(`{"result":8}`), DeliveryContext{JobUUID: "j-7"}, descs)

	require.True(t, outcomes[0].Success)
	require.Equal(t, 3, outcomes[0].Attempts)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	results := rec.all()
	require.Len(t, results, 3)
	require.False(t, results[0].Success)
	require.False(t, results[1].Success)
	require.True(t, results[2].Success)
	require.Equal(t, http.StatusOK, *results[2].HTTPStatus)
}

func TestWebhookPermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{Env: "test"}, nil)
	out := d.Submit(context.Background(), 0, json.RawMessage(`{}`), DeliveryContext{}, []Descriptor{{
		Type:        TypeWebhook,
		URL:         srv.URL,
		RetryPolicy: &RetryPolicyConfig{MaxAttempts: 5, InitialDelayMs: 1},
	}})

	require.False(t, out[0].Success)
	require.Equal(t, int32(1), calls.Load())
}

func TestWebhookAuthHeaders(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{Env: "test"}, nil)

	out := d.Submit(context.Background(), 0, json.RawMessage(`{}`), DeliveryContext{}, []Descriptor{{
		Type: TypeWebhook,
		URL:  srv.URL,
		Auth: &AuthConfig{Type: "bearer", Token: "tok-1"},
	}})
	require.True(t, out[0].Success)
	require.Equal(t, "Bearer tok-1", gotAuth)

	out = d.Submit(context.Background(), 0, json.RawMessage(`{}`), DeliveryContext{}, []Descriptor{{
		Type: TypeWebhook,
		URL:  srv.URL,
		Auth: &AuthConfig{Type: "api_key", Key: "k-1"},
	}})
	require.True(t, out[0].Success)
	require.Equal(t, "k-1", gotKey)
}

func TestDestinationsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(DispatcherConfig{Env: "test"}, nil)

	outcomes := d.Submit(context.Background(), 0, json.RawMessage(`{"ok":true}`), DeliveryContext{JobUUID: "j"}, []Descriptor{
		{Type: TypeWebhook, URL: "http://127.0.0.1:1", RetryPolicy: &RetryPolicyConfig{MaxAttempts: 1, InitialDelayMs: 1}},
		{Type: TypeFilesystem, Path: filepath.Join(dir, "ok.json"), Overwrite: true},
	})

	require.False(t, outcomes[0].Success)
	require.True(t, outcomes[1].Success)
}

func TestTestModeReportsPerDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{Env: "test"}, nil)
	outcomes := d.Test(context.Background(), []Descriptor{
		{Type: TypeWebhook, URL: srv.URL},
		{Type: TypeFilesystem}, // missing path
	})

	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].Success)
	require.Nil(t, outcomes[0].Error)
	require.False(t, outcomes[1].Success)
	require.NotNil(t, outcomes[1].Error)
}

func TestParseList(t *testing.T) {
	raw := json.RawMessage(`[{"type":"webhook","url":"https://example.com/hook"},{"type":"filesystem","path":"/tmp/{job_uuid}.json"}]`)
	descs, err := ParseList(raw)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	require.Equal(t, TypeWebhook, descs[0].Type)

	descs, err = ParseList(nil)
	require.NoError(t, err)
	require.Nil(t, descs)

	_, err = ParseList(json.RawMessage(`{not json`))
	require.Error(t, err)
}
