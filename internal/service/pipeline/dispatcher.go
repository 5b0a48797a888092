package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"pipeflow/internal/domain"
)

// JobResetStore is the storage needed to reset skipped jobs.
type JobResetStore interface {
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	domain.JobStatusRecorder
}

var _ domain.SideEffectDispatcher = (*StoreDispatcher)(nil)

// StoreDispatcher applies engine side effects to storage: it records
// deployments for runnable jobs and puts skipped dependents of resurrected
// jobs back to created.
type StoreDispatcher struct {
	jobs        JobResetStore
	deployments domain.DeploymentRepository
	queue       domain.WorkScheduler
	logger      *slog.Logger
}

// NewStoreDispatcher creates a StoreDispatcher.
func NewStoreDispatcher(
	jobs JobResetStore,
	deployments domain.DeploymentRepository,
	queue domain.WorkScheduler,
	logger *slog.Logger,
) *StoreDispatcher {
	return &StoreDispatcher{
		jobs:        jobs,
		deployments: deployments,
		queue:       queue,
		logger:      logger.With("component", "dispatcher"),
	}
}

// OnJobBecameRunnable records a deployment when the job targets an
// environment.
func (d *StoreDispatcher) OnJobBecameRunnable(ctx context.Context, job domain.Job) error {
	if job.Environment == "" {
		return nil
	}
	created, err := d.deployments.CreateForJob(ctx, job)
	if err != nil {
		return err
	}
	if created {
		d.logger.Info("deployment created",
			"pipeline_id", job.PipelineID,
			"job", job.Name,
			"environment", job.Environment,
		)
	}
	return nil
}

// OnDependentsNeedReset resets every skipped job that transitively depends
// on jobs to created and enqueues the affected pipelines. Dependents are dag
// jobs that need a reset job by name and stage-ordered jobs in later stages.
func (d *StoreDispatcher) OnDependentsNeedReset(ctx context.Context, actor string, jobs []domain.Job) error {
	byPipeline := make(map[int64][]domain.Job)
	for _, j := range jobs {
		byPipeline[j.PipelineID] = append(byPipeline[j.PipelineID], j)
	}
	ids := make([]int64, 0, len(byPipeline))
	for id := range byPipeline {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var errs []error
	for _, pid := range ids {
		n, err := d.resetPipeline(ctx, pid, byPipeline[pid])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n == 0 {
			continue
		}
		d.logger.Info("reset skipped dependents", "pipeline_id", pid, "actor", actor, "count", n)
		if err := d.queue.Enqueue(ctx, domain.ProcessRequest{PipelineID: pid}); err != nil {
			errs = append(errs, fmt.Errorf("enqueue pipeline %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (d *StoreDispatcher) resetPipeline(ctx context.Context, pipelineID int64, roots []domain.Job) (int, error) {
	skipped, err := d.jobs.ListJobs(ctx, domain.JobFilter{
		PipelineID: pipelineID,
		Statuses:   []domain.Status{domain.StatusSkipped},
	})
	if err != nil {
		return 0, fmt.Errorf("list skipped jobs: %w", err)
	}

	reset := 0
	frontier := roots
	for len(frontier) > 0 {
		var next []domain.Job
		skipped = slices.DeleteFunc(skipped, func(j domain.Job) bool {
			if !slices.ContainsFunc(frontier, func(root domain.Job) bool { return dependsOn(&j, &root) }) {
				return false
			}
			next = append(next, j)
			return true
		})
		slices.SortFunc(next, func(a, b domain.Job) int { return cmp.Compare(a.ID, b.ID) })

		for _, j := range next {
			_, err := d.jobs.RecordJobStatus(ctx, j.ID, domain.StatusCreated, j.Version)
			switch {
			case domain.IsVersionConflict(err):
				// Changed since it was listed; leave it to its new owner.
				continue
			case err != nil:
				return reset, fmt.Errorf("reset job %s: %w", j.Name, err)
			}
			reset++
		}
		frontier = next
	}
	return reset, nil
}

func dependsOn(job, on *domain.Job) bool {
	if job.IsDAG() {
		return slices.Contains(job.Needs, on.Name)
	}
	return job.StagePosition > on.StagePosition
}
