package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-relay/internal/job"
	"github.com/vnmchuo/llm-relay/internal/pool"
	"github.com/vnmchuo/llm-relay/internal/store"
	"github.com/vnmchuo/llm-relay/internal/worker"
)

type apiFixture struct {
	mr     *miniredis.Miniredis
	st     store.Store
	p      *pool.Pool
	router chi.Router
}

func setupAPITest(t *testing.T) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	st, err := store.Open(store.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})

	// No workers started; submissions stay pending, which keeps the
	// store state deterministic for assertions.
	p := pool.New(st, nil, pool.Config{
		Min:   1,
		Store: store.Options{Addr: mr.Addr()},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	h := NewHandler(p, nil, nil, otel.Tracer("test"))

	r := chi.NewRouter()
	r.Post("/v1/jobs", h.HandleSubmitJob)
	r.Get("/v1/jobs", h.HandleListJobs)
	r.Get("/v1/workers", h.HandleListWorkers)
	r.Get("/v1/workers/{id}", h.HandleWorkerStatus)
	r.Get("/v1/history", h.HandleHistory)

	return &apiFixture{mr: mr, st: st, p: p, router: r}
}

func TestSubmitJobAccepted(t *testing.T) {
	f := setupAPITest(t)

	body := `{"action":"chat","engine":"ollama","priority":2,"messages":[{"role":"user","content":"hi"}],"userId":"u1"}`
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobID    string `json:"jobId"`
		Key      string `json:"key"`
		Priority int    `json:"priority"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, 2, resp.Priority)

	// The record landed in the store under the returned key.
	raw, err := f.mr.Get(resp.Key)
	require.NoError(t, err)
	var stored job.Job
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, resp.JobID, stored.ID)
	assert.Equal(t, "ollama", stored.Engine)
}

func TestSubmitJobInvalidBody(t *testing.T) {
	f := setupAPITest(t)

	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobUnknownAction(t *testing.T) {
	f := setupAPITest(t)

	body := `{"action":"summon","engine":"ollama"}`
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown job action")
}

func TestSubmitJobMissingEngine(t *testing.T) {
	f := setupAPITest(t)

	body := `{"action":"chat","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine is required")
}

func TestListJobs(t *testing.T) {
	f := setupAPITest(t)

	_, err := f.p.AddJob(context.Background(), job.Payload{
		Action: job.ActionGenerate,
		Prompt: "hello",
	}, "ollama", 0)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs  []job.Job `json:"jobs"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, job.ActionGenerate, resp.Jobs[0].Data.Action)
}

func TestWorkerStatusNotFound(t *testing.T) {
	f := setupAPITest(t)

	req := httptest.NewRequest("GET", "/v1/workers/nobody", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerStatusFound(t *testing.T) {
	f := setupAPITest(t)

	require.NoError(t, f.st.Set(context.Background(), worker.StatusKey("w1"), "1"))

	req := httptest.NewRequest("GET", "/v1/workers/w1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"idle"`)
}

func TestListWorkersEmpty(t *testing.T) {
	f := setupAPITest(t)

	req := httptest.NewRequest("GET", "/v1/workers", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestHistoryEmptyWithNoopStore(t *testing.T) {
	f := setupAPITest(t)

	req := httptest.NewRequest("GET", "/v1/history", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)
}

func TestHistoryInvalidLimit(t *testing.T) {
	f := setupAPITest(t)

	req := httptest.NewRequest("GET", "/v1/history?limit=banana", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
