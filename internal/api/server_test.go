package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/catalogfit/internal/batch"
	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/queue"
)

type fakeService struct {
	runErr   error
	selector string
	source   string
	runs     []domain.Run
	verified map[string]*domain.Verification
}

func (f *fakeService) Run(_ context.Context, selector, source string) (batch.RunResult, error) {
	f.selector = selector
	f.source = source
	if f.runErr != nil {
		return batch.RunResult{Run: domain.Run{ID: "run-err", Status: domain.RunStatusFailed}}, f.runErr
	}
	return batch.RunResult{
		Run:          domain.Run{ID: "run-1", Status: domain.RunStatusSucceeded, Processed: 7},
		Processed:    7,
		Debug:        " (Sample verification: 550x500)",
		Verification: &domain.Verification{ImageID: "1", Width: 550, Height: 500, Filename: "a.jpg"},
	}, nil
}

func (f *fakeService) ListRuns(_ context.Context, limit int) ([]domain.Run, error) {
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeService) GetRun(_ context.Context, id string) (domain.Run, bool, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, true, nil
		}
	}
	return domain.Run{}, false, nil
}

func (f *fakeService) VerifyDimensions(_ context.Context, imageID string) (*domain.Verification, error) {
	return f.verified[imageID], nil
}

type fakeQueue struct {
	payloads []queue.RunPayload
}

func (q *fakeQueue) EnqueueRun(_ context.Context, payload queue.RunPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "catalog", State: asynq.TaskStatePending, NextProcessAt: time.Now()}, nil
}

func newTestServer(svc RunService, q runEnqueuer) *Server {
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	return NewServer(logrus.NewEntry(log), svc, q, reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCreateRunSync(t *testing.T) {
	svc := &fakeService{}
	rec, out := do(t, newTestServer(svc, nil), http.MethodPost, "/v1/runs", `{"mode":"all"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 7.0, out["resized"])
	assert.Equal(t, " (Sample verification: 550x500)", out["debug"])
	assert.Equal(t, "all", svc.selector)
	assert.Equal(t, batch.SourceAPI, svc.source)
}

func TestCreateRunRejectsInvalidType(t *testing.T) {
	svc := &fakeService{}
	rec, out := do(t, newTestServer(svc, nil), http.MethodPost, "/v1/runs", `{"mode":"some"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"success": false, "message": "Invalid type"}, out)
	assert.Empty(t, svc.selector, "service must not be called")
}

func TestCreateRunRejectsUnknownFields(t *testing.T) {
	rec, out := do(t, newTestServer(&fakeService{}, nil), http.MethodPost, "/v1/runs", `{"mode":"all","force":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestCreateRunConflictWhenLocked(t *testing.T) {
	rec, out := do(t, newTestServer(&fakeService{runErr: batch.ErrRunInProgress}, nil), http.MethodPost, "/v1/runs", `{"mode":"new"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestCreateRunFailure(t *testing.T) {
	rec, out := do(t, newTestServer(&fakeService{runErr: errors.New("boom")}, nil), http.MethodPost, "/v1/runs", `{"mode":"new"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "run-err", out["run"].(map[string]any)["id"])
}

func TestCreateRunAsync(t *testing.T) {
	q := &fakeQueue{}
	svc := &fakeService{}
	rec, out := do(t, newTestServer(svc, q), http.MethodPost, "/v1/runs", `{"mode":"new","async":true}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "task-1", out["task_id"])
	require.Len(t, q.payloads, 1)
	assert.Equal(t, string(domain.RunModeIncremental), q.payloads[0].Mode)
	assert.Equal(t, batch.SourceAPI, q.payloads[0].Source)
	assert.Empty(t, svc.selector)
}

func TestCreateRunAsyncWithoutQueue(t *testing.T) {
	rec, _ := do(t, newTestServer(&fakeService{}, nil), http.MethodPost, "/v1/runs", `{"mode":"all","async":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAndGetRuns(t *testing.T) {
	svc := &fakeService{runs: []domain.Run{{ID: "b"}, {ID: "a"}}}
	s := newTestServer(svc, nil)

	rec, out := do(t, s, http.MethodGet, "/v1/runs?limit=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["runs"], 1)

	rec, _ = do(t, s, http.MethodGet, "/v1/runs?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = do(t, s, http.MethodGet, "/v1/runs/a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", out["id"])

	rec, _ = do(t, s, http.MethodGet, "/v1/runs/zzz", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDimensions(t *testing.T) {
	svc := &fakeService{verified: map[string]*domain.Verification{
		"42": {ImageID: "42", Width: 550, Height: 500, Filename: "shoe.jpg"},
	}}
	s := newTestServer(svc, nil)

	rec, out := do(t, s, http.MethodGet, "/v1/images/42/dimensions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 550.0, out["width"])
	assert.Equal(t, "shoe.jpg", out["filename"])

	rec, _ = do(t, s, http.MethodGet, "/v1/images/43/dimensions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(&fakeService{}, nil)
	rec, out := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "catalogfit_api_requests_total")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/images/{id}/dimensions", routeLabel("/v1/images/9/dimensions"))
	assert.Equal(t, "/v1/runs/{id}", routeLabel("/v1/runs/abc"))
	assert.Equal(t, "/v1/runs", routeLabel("/v1/runs"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}
