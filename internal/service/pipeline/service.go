package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"pipeflow/internal/domain"
)

// Store is the persistence needed by Service.
type Store interface {
	domain.PipelineRepository
	domain.JobStore
	domain.JobStatusRecorder
}

// Service is the entry point used by transports: it applies external job
// status changes and asks for processing passes.
type Service struct {
	store      Store
	queue      domain.WorkScheduler
	processor  domain.Processor
	dispatcher domain.SideEffectDispatcher
	logger     *slog.Logger
}

// NewService creates a new Service.
func NewService(
	store Store,
	queue domain.WorkScheduler,
	processor domain.Processor,
	dispatcher domain.SideEffectDispatcher,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:      store,
		queue:      queue,
		processor:  processor,
		dispatcher: dispatcher,
		logger:     logger.With("component", "pipeline_service"),
	}
}

// JobStatusRequest reports a job status observed by a runner. A zero
// Version applies the status to the job as currently stored.
type JobStatusRequest struct {
	Status  domain.Status `json:"status"`
	Version int64         `json:"version,omitempty"`
}

// CreatePipeline stores a built pipeline and enqueues its initial pass.
func (s *Service) CreatePipeline(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error) {
	view, err := s.store.CreatePipeline(ctx, req)
	if err != nil {
		return nil, err
	}
	pid := view.Pipeline.ID
	if err := s.queue.Enqueue(ctx, domain.ProcessRequest{PipelineID: pid, Initial: true}); err != nil {
		return nil, fmt.Errorf("enqueue pipeline %d: %w", pid, err)
	}
	s.logger.Info("pipeline created", "pipeline_id", pid, "name", view.Pipeline.Name, "jobs", len(view.Jobs))
	return view, nil
}

// GetPipeline returns a pipeline with its stages and jobs.
func (s *Service) GetPipeline(ctx context.Context, id int64) (*domain.PipelineView, error) {
	return s.store.GetPipelineView(ctx, id)
}

// JobFinished records a status reported for a job and enqueues the
// pipeline with the job as trigger.
func (s *Service) JobFinished(ctx context.Context, jobID int64, req JobStatusRequest) (*domain.Job, error) {
	if !req.Status.Valid() {
		return nil, domain.ErrValidation("unknown status %q", req.Status)
	}
	if req.Status == domain.StatusCreated {
		return nil, domain.ErrValidation("job status cannot be set back to created")
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	version := req.Version
	if version == 0 {
		version = job.Version
	}
	if job.Status == req.Status && job.Version == version {
		return job, nil
	}

	return s.record(ctx, job, req.Status, version)
}

// PlayManual starts a manual job on behalf of actor.
func (s *Service) PlayManual(ctx context.Context, jobID int64, actor string) (*domain.Job, error) {
	return s.restart(ctx, jobID, actor, "play", domain.StatusManual)
}

// Retry puts a failed or canceled job back to pending on behalf of actor.
func (s *Service) Retry(ctx context.Context, jobID int64, actor string) (*domain.Job, error) {
	return s.restart(ctx, jobID, actor, "retry", domain.StatusFailed, domain.StatusCanceled)
}

// restart moves a stopped job to pending. The job leaves a stopped status
// before any pass sees it, so the dispatcher is told directly.
func (s *Service) restart(ctx context.Context, jobID int64, actor, action string, from ...domain.Status) (*domain.Job, error) {
	if actor == "" {
		return nil, domain.ErrValidation("actor is required")
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, st := range from {
		allowed = allowed || job.Status == st
	}
	if !allowed {
		return nil, domain.ErrConflict("cannot %s job %s in status %s", action, job.Name, job.Status)
	}

	updated, err := s.record(ctx, job, domain.StatusPending, job.Version)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.OnDependentsNeedReset(ctx, actor, []domain.Job{*updated}); err != nil {
		s.logger.Warn("reset dependents failed", "job", updated.Name, "actor", actor, "error", err)
	}
	if err := s.dispatcher.OnJobBecameRunnable(ctx, *updated); err != nil {
		s.logger.Warn("job runnable notification failed", "job", updated.Name, "error", err)
	}
	s.logger.Info("job restarted", "action", action, "job", updated.Name, "actor", actor)
	return updated, nil
}

func (s *Service) record(ctx context.Context, job *domain.Job, status domain.Status, version int64) (*domain.Job, error) {
	newVersion, err := s.store.RecordJobStatus(ctx, job.ID, status, version)
	if err != nil {
		return nil, err
	}
	updated := *job
	updated.Status = status
	updated.Version = newVersion
	updated.Processed = false

	req := domain.ProcessRequest{PipelineID: job.PipelineID, TriggerJobIDs: []int64{job.ID}}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("enqueue pipeline %d: %w", job.PipelineID, err)
	}
	s.logger.Debug("job status recorded", "pipeline_id", job.PipelineID, "job", job.Name, "status", status)
	return &updated, nil
}

// ProcessNow runs one pass synchronously. Every completed job counts as a
// trigger so the legacy engine evaluates the whole pipeline.
func (s *Service) ProcessNow(ctx context.Context, pipelineID int64) (domain.ProcessResult, error) {
	if _, err := s.store.GetPipelineView(ctx, pipelineID); err != nil {
		return domain.ProcessResult{}, err
	}
	completed, err := s.store.ListJobs(ctx, domain.JobFilter{
		PipelineID: pipelineID,
		Statuses:   []domain.Status{domain.StatusSuccess, domain.StatusFailed, domain.StatusCanceled, domain.StatusSkipped},
	})
	if err != nil {
		return domain.ProcessResult{}, err
	}

	req := domain.ProcessRequest{PipelineID: pipelineID, Initial: true}
	for _, j := range completed {
		req.TriggerJobIDs = append(req.TriggerJobIDs, j.ID)
	}
	return s.processor.Process(ctx, req)
}
