package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/queue"
	"github.com/yourorg/backrun/internal/store/memory"
)

type fixture struct {
	router *gin.Engine
	jobs   *memory.Store
	broker *lanes.MemoryBroker
	queue  *queue.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := memory.New()
	broker := lanes.NewMemoryBroker()
	q := queue.New(jobs, broker, logger)
	return &fixture{
		router: NewRouter(q, jobs, broker, logger),
		jobs:   jobs,
		broker: broker,
		queue:  q,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validSubmit() map[string]any {
	return map[string]any{
		"workload":   "momentum-alpha",
		"start_date": "2024-01-01",
		"end_date":   "2024-06-30",
		"variant":    "baseline",
		"params":     map[string]string{"universe": "sp500"},
	}
}

func alice() map[string]string { return map[string]string{"X-Principal": "alice"} }

func TestSubmitJob_CreatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var first queue.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.NotEmpty(t, first.JobID)
	assert.True(t, first.Created)
	assert.Equal(t, domain.StatusPending, first.Status)
	assert.Equal(t, domain.LaneNormal, first.Lane)

	w = f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusOK, w.Code, "duplicate submission is a 200")

	var second queue.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.JobID, second.JobID)
	assert.False(t, second.Created)
}

func TestSubmitJob_RequiresPrincipalHeader(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "X-Principal")
}

func TestSubmitJob_ValidationErrorsAre400(t *testing.T) {
	f := newFixture(t)

	body := validSubmit()
	body["start_date"] = "01/01/2024"
	w := f.do(t, http.MethodPost, "/api/v1/jobs", body, alice())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = validSubmit()
	body["lane"] = "urgent"
	w = f.do(t, http.MethodPost, "/api/v1/jobs", body, alice())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "lane")

	body = validSubmit()
	body["timeout_seconds"] = 10
	w = f.do(t, http.MethodPost, "/api/v1/jobs", body, alice())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_ReturnsStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusCreated, w.Code)
	var res queue.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+res.JobID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st queue.JobStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, res.JobID, st.JobID)
	assert.Equal(t, "momentum-alpha", st.Workload)
	assert.Equal(t, "alice", st.Principal)
	assert.Equal(t, domain.StatusPending, st.Status)
}

func TestGetJob_UnknownIs404(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/jobs/deadbeef", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob_PendingIsAccepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusCreated, w.Code)
	var res queue.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = f.do(t, http.MethodDelete, "/api/v1/jobs/"+res.JobID, nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	j, err := f.jobs.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, j.Status)
}

func TestCancelJob_TerminalIs409(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusCreated, w.Code)
	var res queue.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = f.do(t, http.MethodDelete, "/api/v1/jobs/"+res.JobID, nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/jobs/"+res.JobID, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobs_FiltersByPrincipal(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), map[string]string{"X-Principal": "bob"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/jobs?principal=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Jobs []queue.JobStatus `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "alice", out.Jobs[0].Principal)
}

func TestListDeadLetter_ReturnsParkedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validSubmit(), alice())
	require.Equal(t, http.StatusCreated, w.Code)
	var res queue.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	// Drive the job to dead-lettered directly through the store.
	execID := uuid.New()
	ok, err := f.jobs.MarkRunning(ctx, res.JobID, execID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.jobs.MarkFailed(ctx, res.JobID, execID, "engine panic", true)
	require.NoError(t, err)
	require.True(t, ok)

	w = f.do(t, http.MethodGet, "/api/v1/deadletter", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Jobs []queue.JobStatus `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, res.JobID, out.Jobs[0].JobID)
	assert.True(t, out.Jobs[0].DeadLettered)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
