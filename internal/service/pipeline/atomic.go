package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"pipeflow/internal/domain"
)

var _ domain.Processor = (*AtomicEngine)(nil)

// AtomicEngine processes a pipeline in one pass under an exclusive lease,
// evaluating every created job against an in-memory snapshot of the
// pipeline's statuses. A pass that finds more work ahead enqueues a
// successor instead of looping.
type AtomicEngine struct {
	store      domain.JobStore
	leases     domain.LeaseService
	queue      domain.WorkScheduler
	dispatcher domain.SideEffectDispatcher
	logger     *slog.Logger
	opts       EngineOptions
}

// NewAtomicEngine creates an AtomicEngine.
func NewAtomicEngine(
	store domain.JobStore,
	leases domain.LeaseService,
	queue domain.WorkScheduler,
	dispatcher domain.SideEffectDispatcher,
	logger *slog.Logger,
	opts EngineOptions,
) *AtomicEngine {
	return &AtomicEngine{
		store:      store,
		leases:     leases,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger.With("engine", "atomic"),
		opts:       opts.withDefaults(),
	}
}

// Process runs one pass over the pipeline. It is a no-op, not an error,
// when nothing needs processing or another pass holds the lease. Only
// req.PipelineID is used.
func (e *AtomicEngine) Process(ctx context.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
	logger := e.logger.With("pipeline_id", req.PipelineID)

	needed, err := e.store.NeedsProcessing(ctx, req.PipelineID)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("check needs processing: %w", err)
	}
	if !needed {
		logger.Debug("pipeline already processed")
		return domain.ProcessResult{}, nil
	}

	lease, err := e.acquire(ctx, req.PipelineID)
	if errors.Is(err, domain.ErrLeaseUnavailable) {
		logger.Debug("pipeline lease held by another pass")
		return domain.ProcessResult{}, nil
	}
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("acquire lease: %w", err)
	}

	p := &atomicPass{engine: e, pipelineID: req.PipelineID, lease: lease, logger: logger}
	runErr := p.run(ctx)

	if err := e.leases.Release(context.WithoutCancel(ctx), lease); err != nil {
		logger.Warn("release pipeline lease", "error", err)
	}

	result := domain.ProcessResult{Processed: true, Changed: p.changed}
	if runErr != nil {
		var gerr *domain.GraphIntegrityError
		if errors.As(runErr, &gerr) {
			logger.Error("job graph integrity error", "error", runErr)
		} else {
			logger.Error("processing pass failed", "error", runErr)
		}
		return result, runErr
	}
	if p.leaseLost {
		logger.Warn("pipeline lease lost during pass")
		return result, nil
	}

	e.resetResurrected(ctx, p.collection, logger)

	needed, err = e.store.NeedsProcessing(ctx, req.PipelineID)
	if err != nil {
		return result, fmt.Errorf("check needs processing: %w", err)
	}
	if needed {
		if err := e.queue.Enqueue(ctx, domain.ProcessRequest{PipelineID: req.PipelineID}); err != nil {
			return result, fmt.Errorf("requeue pipeline: %w", err)
		}
		logger.Debug("pipeline requeued")
		result.Requeued = true
	}
	return result, nil
}

func (e *AtomicEngine) acquire(ctx context.Context, pipelineID int64) (*domain.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.LeaseAcquireTimeout)
	defer cancel()
	return e.leases.TryAcquire(ctx, domain.PipelineLeaseKey(pipelineID), e.opts.LeaseTTL)
}

// atomicPass holds the state of one leased pass.
type atomicPass struct {
	engine     *AtomicEngine
	pipelineID int64
	lease      *domain.Lease
	logger     *slog.Logger
	collection *StatusCollection
	changed    bool
	leaseLost  bool
}

func (p *atomicPass) run(ctx context.Context) error {
	e := p.engine

	stages, err := e.store.ListStages(ctx, p.pipelineID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	c, err := LoadStatusCollection(ctx, e.store, p.pipelineID)
	if err != nil {
		return err
	}
	p.collection = c

	for _, stage := range stages {
		if err := p.processStage(ctx, stage); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		if p.leaseLost {
			return nil
		}
		if err := p.extendLease(ctx); err != nil || p.leaseLost {
			return err
		}
	}

	if err := e.store.UpdatePipelineStatus(ctx, p.pipelineID, c.StatusOfAll()); err != nil {
		return fmt.Errorf("update pipeline status: %w", err)
	}

	for refs := range slices.Chunk(c.UnprocessedRefs(), e.opts.BatchSize) {
		if err := e.store.MarkProcessed(ctx, refs); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
	}
	return nil
}

func (p *atomicPass) processStage(ctx context.Context, stage domain.Stage) error {
	e := p.engine
	c := p.collection

	for ids := range c.CreatedJobIDsInStage(stage.Position, e.opts.BatchSize) {
		jobs, err := e.store.ListJobs(ctx, domain.JobFilter{PipelineID: stage.PipelineID, IDs: ids})
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		ordered, err := OrderJobs(stage.PipelineID, jobs, c.HasJob)
		if err != nil {
			return err
		}
		for _, job := range ordered {
			if err := p.processJob(ctx, job); err != nil {
				return err
			}
		}
		if err := p.extendLease(ctx); err != nil || p.leaseLost {
			return err
		}
	}

	if !c.HasStage(stage.Position) {
		return nil
	}
	status := c.StatusOfStage(stage.Position)
	if status == stage.Status {
		return nil
	}
	if err := e.store.UpdateStageStatus(ctx, stage.ID, status); err != nil {
		return fmt.Errorf("update stage status: %w", err)
	}
	return nil
}

// extendLease renews the pass's lease. A lost lease sets leaseLost and is
// not an error.
func (p *atomicPass) extendLease(ctx context.Context) error {
	e := p.engine
	err := e.leases.Extend(ctx, p.lease, e.opts.LeaseTTL)
	if errors.Is(err, domain.ErrLeaseUnavailable) {
		p.leaseLost = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

func (p *atomicPass) processJob(ctx context.Context, job domain.Job) error {
	e := p.engine
	c := p.collection

	prereq, err := prerequisiteStatus(c, &job)
	if err != nil {
		return err
	}
	if _, ok := NextStatus(&job, prereq); !ok {
		return nil
	}

	out, err := transitionJob(ctx, e.store, e.opts, job, prereq)
	if err != nil {
		return err
	}
	if !out.changed {
		// Moved on concurrently; its writer left it unprocessed.
		return nil
	}
	c.SetJobStatus(out.job.ID, out.job.Status, out.job.Version)

	p.changed = true
	p.logger.Debug("job transitioned", "job", out.job.Name, "status", out.job.Status)
	if out.job.Status != domain.StatusSkipped {
		if err := e.dispatcher.OnJobBecameRunnable(ctx, out.job); err != nil {
			p.logger.Warn("job runnable notification failed", "job", out.job.Name, "error", err)
		}
	}
	return nil
}

// prerequisiteStatus folds the jobs that gate job: every earlier stage for
// stage-ordered jobs, the needs for dag-ordered jobs.
func prerequisiteStatus(c *StatusCollection, job *domain.Job) (domain.Status, error) {
	switch job.SchedulingType {
	case domain.SchedulingDAG:
		return c.StatusOfJobs(job.Needs)
	default:
		return c.StatusOfJobsPriorToStage(job.StagePosition), nil
	}
}

// resetResurrected notifies the dispatcher about jobs that were stopped
// when the pass began and are no longer, grouped by actor.
func (e *AtomicEngine) resetResurrected(ctx context.Context, c *StatusCollection, logger *slog.Logger) {
	stopped := c.StoppedJobNames()
	if len(stopped) == 0 {
		return
	}

	fresh, err := e.store.LoadJobs(ctx, c.PipelineID())
	if err != nil {
		logger.Warn("reload jobs for resurrection check", "error", err)
		return
	}
	stillStopped := make(map[string]bool, len(fresh))
	for _, j := range fresh {
		stillStopped[j.Name] = j.Status.IsStopped()
	}
	var alive []string
	for _, name := range stopped {
		if isStopped, ok := stillStopped[name]; ok && !isStopped {
			alive = append(alive, name)
		}
	}
	if len(alive) == 0 {
		return
	}

	jobs, err := e.store.ListJobs(ctx, domain.JobFilter{PipelineID: c.PipelineID(), Names: alive})
	if err != nil {
		logger.Warn("load resurrected jobs", "error", err)
		return
	}
	ordered, err := OrderJobs(c.PipelineID(), jobs, nil)
	if err != nil {
		logger.Error("order resurrected jobs", "error", err)
		return
	}

	byActor := make(map[string][]domain.Job)
	for _, j := range ordered {
		byActor[j.Actor] = append(byActor[j.Actor], j)
	}
	actors := make([]string, 0, len(byActor))
	for actor := range byActor {
		actors = append(actors, actor)
	}
	slices.Sort(actors)

	for _, actor := range actors {
		logger.Info("jobs resurrected", "actor", actor, "count", len(byActor[actor]))
		if err := e.dispatcher.OnDependentsNeedReset(ctx, actor, byActor[actor]); err != nil {
			logger.Warn("reset dependents notification failed", "actor", actor, "error", err)
		}
	}
}
