package domain

import (
	"context"
	"time"
)

// JobStore is the persistence boundary of the processing engines.
// Implementations must report stale versions as *VersionConflictError so
// that callers can tell contention apart from other failures.
type JobStore interface {
	// LoadJobs returns a snapshot of every current job in the pipeline.
	LoadJobs(ctx context.Context, pipelineID int64) ([]JobSnapshot, error)
	// ListJobs returns full job records, ordered by ID.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	// UpdateJobStatus writes status if the row is still at expectedVersion
	// and returns the new version. The write clears the processed flag.
	UpdateJobStatus(ctx context.Context, id int64, status Status, expectedVersion int64) (int64, error)
	// ListStages returns the pipeline's stages ordered by position.
	ListStages(ctx context.Context, pipelineID int64) ([]Stage, error)
	UpdateStageStatus(ctx context.Context, stageID int64, status Status) error
	UpdatePipelineStatus(ctx context.Context, pipelineID int64, status Status) error
	// MarkProcessed flags jobs as evaluated. A ref whose version no longer
	// matches the row is left unprocessed.
	MarkProcessed(ctx context.Context, refs []JobRef) error
	// NeedsProcessing reports whether any job of the pipeline is unprocessed.
	NeedsProcessing(ctx context.Context, pipelineID int64) (bool, error)
}

// JobStatusRecorder applies status changes made outside the engines, such
// as a runner reporting a result. Like engine writes, recorded changes clear
// the job's processed flag so the pipeline is picked up again.
type JobStatusRecorder interface {
	RecordJobStatus(ctx context.Context, id int64, status Status, expectedVersion int64) (int64, error)
}

// Lease is a time-boxed mutual-exclusion token.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// LeaseService grants named, TTL-bound exclusive leases.
type LeaseService interface {
	// TryAcquire returns ErrLeaseUnavailable when the key is held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Extend pushes the expiry of a lease still owned by the caller.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

// WorkScheduler enqueues asynchronous processing. Delivery is at-least-once.
type WorkScheduler interface {
	Enqueue(ctx context.Context, req ProcessRequest) error
}

// SideEffectDispatcher receives fire-and-forget notifications from the
// engines. Failures are logged by the caller and never abort a pass.
type SideEffectDispatcher interface {
	// OnJobBecameRunnable is called once a job has left created.
	OnJobBecameRunnable(ctx context.Context, job Job) error
	// OnDependentsNeedReset is called with the jobs, owned by actor, that
	// left a stopped status during a pass.
	OnDependentsNeedReset(ctx context.Context, actor string, jobs []Job) error
}

// Processor advances a pipeline towards convergence. Implementations are
// safe to call concurrently and redundantly.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (ProcessResult, error)
}
