package domain

import "context"

// PipelineRepository stores pipelines as built upstream.
type PipelineRepository interface {
	CreatePipeline(ctx context.Context, req CreatePipelineRequest) (*PipelineView, error)
	GetPipelineView(ctx context.Context, id int64) (*PipelineView, error)
	// ListPipelinesNeedingProcessing returns up to limit pipeline IDs with
	// unprocessed jobs, oldest first.
	ListPipelinesNeedingProcessing(ctx context.Context, limit int) ([]int64, error)
}

// DeploymentRepository records deployments created when a job with an
// environment becomes runnable.
type DeploymentRepository interface {
	// CreateForJob is idempotent per job. It reports whether a new record
	// was written.
	CreateForJob(ctx context.Context, job Job) (bool, error)
}
