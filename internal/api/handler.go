// Package api exposes the pipeline service over the internal HTTP API used
// by runners and the pipeline builder.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pipeflow/internal/domain"
	"pipeflow/internal/service/pipeline"
)

const maxBodyBytes = 1 << 20

// PipelineService is the service surface the handlers need.
type PipelineService interface {
	CreatePipeline(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error)
	GetPipeline(ctx context.Context, id int64) (*domain.PipelineView, error)
	ProcessNow(ctx context.Context, pipelineID int64) (domain.ProcessResult, error)
	JobFinished(ctx context.Context, jobID int64, req pipeline.JobStatusRequest) (*domain.Job, error)
	PlayManual(ctx context.Context, jobID int64, actor string) (*domain.Job, error)
	Retry(ctx context.Context, jobID int64, actor string) (*domain.Job, error)
}

// Pinger checks that the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler serves the internal pipeline API.
type Handler struct {
	svc    PipelineService
	db     Pinger
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc PipelineService, db Pinger, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, db: db, logger: logger}
}

// CreatePipeline handles POST /internal/pipelines.
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePipelineRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.svc.CreatePipeline(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pipelineToAPI(view))
}

// GetPipeline handles GET /internal/pipelines/{id}.
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.svc.GetPipeline(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelineToAPI(view))
}

// ProcessPipeline handles POST /internal/pipelines/{id}/process.
func (h *Handler) ProcessPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.ProcessNow(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessResponse(res))
}

// UpdateJobStatus handles POST /internal/jobs/{id}/status.
func (h *Handler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req pipeline.JobStatusRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.svc.JobFinished(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToAPI(job))
}

// PlayJob handles POST /internal/jobs/{id}/play.
func (h *Handler) PlayJob(w http.ResponseWriter, r *http.Request) {
	h.restartJob(w, r, h.svc.PlayManual)
}

// RetryJob handles POST /internal/jobs/{id}/retry.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	h.restartJob(w, r, h.svc.Retry)
}

func (h *Handler) restartJob(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, string) (*domain.Job, error)) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ActorRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := fn(r.Context(), id, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToAPI(job))
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, Error{Code: http.StatusServiceUnavailable, Message: "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request) (int64, error) {
	return domain.ParseInt64ID(chi.URLParam(r, "id"))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrValidation("request body is required")
		}
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusFromDomainError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, code, Error{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
