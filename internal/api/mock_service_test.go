package api

import (
	"context"

	"pipeflow/internal/domain"
	"pipeflow/internal/service/pipeline"
)

type mockPipelineService struct {
	createPipelineFn func(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error)
	getPipelineFn    func(ctx context.Context, id int64) (*domain.PipelineView, error)
	processNowFn     func(ctx context.Context, id int64) (domain.ProcessResult, error)
	jobFinishedFn    func(ctx context.Context, jobID int64, req pipeline.JobStatusRequest) (*domain.Job, error)
	playManualFn     func(ctx context.Context, jobID int64, actor string) (*domain.Job, error)
	retryFn          func(ctx context.Context, jobID int64, actor string) (*domain.Job, error)
}

func (m *mockPipelineService) CreatePipeline(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error) {
	if m.createPipelineFn == nil {
		panic("mockPipelineService.CreatePipeline called but not configured")
	}
	return m.createPipelineFn(ctx, req)
}

func (m *mockPipelineService) GetPipeline(ctx context.Context, id int64) (*domain.PipelineView, error) {
	if m.getPipelineFn == nil {
		panic("mockPipelineService.GetPipeline called but not configured")
	}
	return m.getPipelineFn(ctx, id)
}

func (m *mockPipelineService) ProcessNow(ctx context.Context, id int64) (domain.ProcessResult, error) {
	if m.processNowFn == nil {
		panic("mockPipelineService.ProcessNow called but not configured")
	}
	return m.processNowFn(ctx, id)
}

func (m *mockPipelineService) JobFinished(ctx context.Context, jobID int64, req pipeline.JobStatusRequest) (*domain.Job, error) {
	if m.jobFinishedFn == nil {
		panic("mockPipelineService.JobFinished called but not configured")
	}
	return m.jobFinishedFn(ctx, jobID, req)
}

func (m *mockPipelineService) PlayManual(ctx context.Context, jobID int64, actor string) (*domain.Job, error) {
	if m.playManualFn == nil {
		panic("mockPipelineService.PlayManual called but not configured")
	}
	return m.playManualFn(ctx, jobID, actor)
}

func (m *mockPipelineService) Retry(ctx context.Context, jobID int64, actor string) (*domain.Job, error) {
	if m.retryFn == nil {
		panic("mockPipelineService.Retry called but not configured")
	}
	return m.retryFn(ctx, jobID, actor)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }
