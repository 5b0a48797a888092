package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeflow/internal/domain"
	"pipeflow/internal/middleware"
	"pipeflow/internal/service/pipeline"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(svc PipelineService, db Pinger) http.Handler {
	logger := slog.New(slog.DiscardHandler)
	if db == nil {
		db = pingerFunc(func(context.Context) error { return nil })
	}
	return NewRouter(NewHandler(svc, db, logger), logger, RouterConfig{})
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func sampleView() *domain.PipelineView {
	return &domain.PipelineView{
		Pipeline: domain.Pipeline{ID: 7, Name: "main", Status: domain.StatusRunning, CreatedAt: testTime, UpdatedAt: testTime},
		Stages: []domain.Stage{
			{ID: 1, PipelineID: 7, Name: "build", Position: 0, Status: domain.StatusSuccess},
			{ID: 2, PipelineID: 7, Name: "test", Position: 1, Status: domain.StatusPending},
			{ID: 3, PipelineID: 7, Name: "deploy", Position: 2, Status: domain.StatusCreated},
		},
		Jobs: []domain.Job{
			{ID: 10, PipelineID: 7, StageID: 1, Name: "compile", Status: domain.StatusSuccess, Version: 3, SchedulingType: domain.SchedulingStage},
			{ID: 11, PipelineID: 7, StageID: 2, StagePosition: 1, Name: "unit", Status: domain.StatusPending, Version: 2, SchedulingType: domain.SchedulingDAG, Needs: []string{"compile"}},
			{ID: 12, PipelineID: 7, StageID: 2, StagePosition: 1, Name: "lint", Status: domain.StatusPending, Version: 2, SchedulingType: domain.SchedulingStage},
		},
	}
}

func TestCreatePipeline(t *testing.T) {
	var got domain.CreatePipelineRequest
	svc := &mockPipelineService{
		createPipelineFn: func(_ context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error) {
			got = req
			return sampleView(), nil
		},
	}
	h := newTestRouter(svc, nil)

	rec := serve(t, h, http.MethodPost, "/internal/pipelines", `{
		"name": "main",
		"created_by": "alice",
		"stages": [
			{"name": "build", "jobs": [{"name": "compile"}]},
			{"name": "test", "jobs": [{"name": "unit", "needs": ["compile"]}, {"name": "lint", "when": "always"}]}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, "main", got.Name)
	assert.Equal(t, "alice", got.CreatedBy)
	require.Len(t, got.Stages, 2)
	assert.Nil(t, got.Stages[0].Jobs[0].Needs)
	assert.Equal(t, []string{"compile"}, got.Stages[1].Jobs[0].Needs)
	assert.Equal(t, domain.WhenAlways, got.Stages[1].Jobs[1].When)

	resp := decode[PipelineResponse](t, rec)
	assert.Equal(t, int64(7), resp.ID)
	assert.Equal(t, domain.StatusRunning, resp.Status)
	require.Len(t, resp.Stages, 3)
	assert.Len(t, resp.Stages[0].Jobs, 1)
	assert.Len(t, resp.Stages[1].Jobs, 2)
	assert.NotNil(t, resp.Stages[2].Jobs)
	assert.Empty(t, resp.Stages[2].Jobs)
	assert.Equal(t, domain.SchedulingDAG, resp.Stages[1].Jobs[0].SchedulingType)
}

func TestCreatePipeline_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svcErr   error
		wantCode int
		wantMsg  string
	}{
		{name: "empty body", body: "", wantCode: http.StatusBadRequest, wantMsg: "request body is required"},
		{name: "malformed json", body: "{", wantCode: http.StatusBadRequest, wantMsg: "invalid request body"},
		{name: "unknown field", body: `{"name":"x","colour":"red"}`, wantCode: http.StatusBadRequest, wantMsg: "unknown field"},
		{name: "validation", body: `{"name":""}`, svcErr: domain.ErrValidation("name is required"), wantCode: http.StatusBadRequest, wantMsg: "name is required"},
		{name: "internal", body: `{"name":"x"}`, svcErr: errors.New("disk I/O error"), wantCode: http.StatusInternalServerError, wantMsg: "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPipelineService{
				createPipelineFn: func(context.Context, domain.CreatePipelineRequest) (*domain.PipelineView, error) {
					return nil, tt.svcErr
				},
			}
			rec := serve(t, newTestRouter(svc, nil), http.MethodPost, "/internal/pipelines", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)

			body := decode[Error](t, rec)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Contains(t, body.Message, tt.wantMsg)
		})
	}
}

func TestGetPipeline(t *testing.T) {
	svc := &mockPipelineService{
		getPipelineFn: func(_ context.Context, id int64) (*domain.PipelineView, error) {
			if id != 7 {
				return nil, domain.ErrNotFound("pipeline %d not found", id)
			}
			return sampleView(), nil
		},
	}
	h := newTestRouter(svc, nil)

	rec := serve(t, h, http.MethodGet, "/internal/pipelines/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PipelineResponse](t, rec)
	assert.Equal(t, "main", resp.Name)
	assert.Equal(t, int64(3), resp.Stages[0].Jobs[0].Version)

	rec = serve(t, h, http.MethodGet, "/internal/pipelines/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, bad := range []string{"abc", "0", "-3"} {
		rec = serve(t, h, http.MethodGet, "/internal/pipelines/"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestProcessPipeline(t *testing.T) {
	tests := []struct {
		name     string
		result   domain.ProcessResult
		err      error
		wantCode int
	}{
		{name: "processed", result: domain.ProcessResult{Processed: true, Changed: true}, wantCode: http.StatusOK},
		{name: "lease held", err: domain.ErrLeaseUnavailable, wantCode: http.StatusServiceUnavailable},
		{name: "cycle", err: domain.ErrGraphIntegrity("cycle through a"), wantCode: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPipelineService{
				processNowFn: func(_ context.Context, id int64) (domain.ProcessResult, error) {
					assert.Equal(t, int64(7), id)
					return tt.result, tt.err
				},
			}
			rec := serve(t, newTestRouter(svc, nil), http.MethodPost, "/internal/pipelines/7/process", "")
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.err == nil {
				assert.Equal(t, ProcessResponse{Processed: true, Changed: true}, decode[ProcessResponse](t, rec))
			}
		})
	}
}

func TestUpdateJobStatus(t *testing.T) {
	var got pipeline.JobStatusRequest
	svc := &mockPipelineService{
		jobFinishedFn: func(_ context.Context, jobID int64, req pipeline.JobStatusRequest) (*domain.Job, error) {
			if req.Version == 1 {
				return nil, &domain.VersionConflictError{JobID: jobID, ExpectedVersion: 1}
			}
			got = req
			return &domain.Job{ID: jobID, PipelineID: 7, Name: "unit", Status: req.Status, Version: 4}, nil
		},
	}
	h := newTestRouter(svc, nil)

	rec := serve(t, h, http.MethodPost, "/internal/jobs/11/status", `{"status":"success","version":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pipeline.JobStatusRequest{Status: domain.StatusSuccess, Version: 3}, got)
	resp := decode[JobResponse](t, rec)
	assert.Equal(t, int64(11), resp.ID)
	assert.Equal(t, domain.StatusSuccess, resp.Status)
	assert.Equal(t, int64(4), resp.Version)

	rec = serve(t, h, http.MethodPost, "/internal/jobs/11/status", `{"status":"failed","version":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRestartJob(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		setup func(m *mockPipelineService, gotActor *string)
	}{
		{
			name: "play",
			path: "/internal/jobs/5/play",
			setup: func(m *mockPipelineService, gotActor *string) {
				m.playManualFn = func(_ context.Context, jobID int64, actor string) (*domain.Job, error) {
					*gotActor = actor
					return &domain.Job{ID: jobID, Status: domain.StatusPending}, nil
				}
			},
		},
		{
			name: "retry",
			path: "/internal/jobs/5/retry",
			setup: func(m *mockPipelineService, gotActor *string) {
				m.retryFn = func(_ context.Context, jobID int64, actor string) (*domain.Job, error) {
					*gotActor = actor
					return &domain.Job{ID: jobID, Status: domain.StatusPending}, nil
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var actor string
			svc := &mockPipelineService{}
			tt.setup(svc, &actor)

			rec := serve(t, newTestRouter(svc, nil), http.MethodPost, tt.path, `{"actor":"bob"}`)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "bob", actor)
			assert.Equal(t, domain.StatusPending, decode[JobResponse](t, rec).Status)
		})
	}
}

func TestPlayJob_Conflict(t *testing.T) {
	svc := &mockPipelineService{
		playManualFn: func(context.Context, int64, string) (*domain.Job, error) {
			return nil, domain.ErrConflict("cannot play job deploy in status success")
		},
	}
	rec := serve(t, newTestRouter(svc, nil), http.MethodPost, "/internal/jobs/5/play", `{"actor":"bob"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[Error](t, rec).Message, "cannot play")
}

func TestHealthz(t *testing.T) {
	rec := serve(t, newTestRouter(&mockPipelineService{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := pingerFunc(func(context.Context) error { return errors.New("database is locked") })
	rec = serve(t, newTestRouter(&mockPipelineService{}, down), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_RecoversPanics(t *testing.T) {
	// An unconfigured mock panics; the recoverer turns that into a 500.
	rec := serve(t, newTestRouter(&mockPipelineService{}, nil), http.MethodGet, "/internal/pipelines/1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRouter_RateLimitsInternalRoutes(t *testing.T) {
	svc := &mockPipelineService{
		getPipelineFn: func(context.Context, int64) (*domain.PipelineView, error) { return sampleView(), nil },
	}
	logger := slog.New(slog.DiscardHandler)
	h := NewRouter(NewHandler(svc, pingerFunc(func(context.Context) error { return nil }), logger), logger, RouterConfig{
		RateLimit: middleware.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
	})

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/internal/pipelines/7", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(t, h, http.MethodGet, "/internal/pipelines/7", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", "").Code, "health checks are not limited")
}
