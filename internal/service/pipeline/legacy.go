package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"pipeflow/internal/domain"
)

var _ domain.Processor = (*LegacyEngine)(nil)

// LegacyEngine advances a pipeline by querying the store directly instead
// of loading a snapshot. It takes no lease: overlapping passes are safe
// because every job write is optimistically locked, so only the winning
// writer of a transition reports it.
type LegacyEngine struct {
	store      domain.JobStore
	queue      domain.WorkScheduler
	dispatcher domain.SideEffectDispatcher
	logger     *slog.Logger
	opts       EngineOptions
}

// NewLegacyEngine creates a LegacyEngine.
func NewLegacyEngine(
	store domain.JobStore,
	queue domain.WorkScheduler,
	dispatcher domain.SideEffectDispatcher,
	logger *slog.Logger,
	opts EngineOptions,
) *LegacyEngine {
	return &LegacyEngine{
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger.With("engine", "legacy"),
		opts:       opts.withDefaults(),
	}
}

// Process evaluates stage-ordered jobs whose earlier stages completed, dag
// jobs without needs when req.Initial is set, and dag jobs that need one of
// req.TriggerJobIDs. It then recomputes stage and pipeline statuses.
func (e *LegacyEngine) Process(ctx context.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
	p := &legacyPass{engine: e, pipelineID: req.PipelineID, logger: e.logger.With("pipeline_id", req.PipelineID)}

	if err := p.processStageScheduled(ctx); err != nil {
		return p.result(), p.fail(err)
	}
	if req.Initial {
		if err := p.processDAGWithoutNeeds(ctx); err != nil {
			return p.result(), p.fail(err)
		}
	}
	if err := p.processDAGWithNeeds(ctx, req.TriggerJobIDs); err != nil {
		return p.result(), p.fail(err)
	}
	if err := p.updateStatuses(ctx); err != nil {
		return p.result(), p.fail(err)
	}

	res := p.result()
	if len(p.completed) > 0 {
		// Jobs completed by this pass can unlock dag jobs that need them.
		next := domain.ProcessRequest{PipelineID: req.PipelineID, TriggerJobIDs: p.completed}
		if err := e.queue.Enqueue(ctx, next); err != nil {
			return res, fmt.Errorf("requeue pipeline: %w", err)
		}
		res.Requeued = true
	}
	return res, nil
}

type legacyPass struct {
	engine     *LegacyEngine
	pipelineID int64
	logger     *slog.Logger
	changed    bool
	completed  []int64
}

func (p *legacyPass) result() domain.ProcessResult {
	return domain.ProcessResult{Processed: true, Changed: p.changed}
}

func (p *legacyPass) fail(err error) error {
	p.logger.Error("legacy processing pass failed", "error", err)
	return err
}

// eachBatch walks the jobs matching filter in ID order, BatchSize at a time.
func (p *legacyPass) eachBatch(ctx context.Context, filter domain.JobFilter, fn func([]domain.Job) error) error {
	filter.PipelineID = p.pipelineID
	filter.Limit = p.engine.opts.BatchSize
	filter.AfterID = 0
	for {
		jobs, err := p.engine.store.ListJobs(ctx, filter)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}
		if err := fn(jobs); err != nil {
			return err
		}
		if len(jobs) < filter.Limit {
			return nil
		}
		filter.AfterID = jobs[len(jobs)-1].ID
	}
}

func (p *legacyPass) fold(ctx context.Context, filter domain.JobFilter, dag bool) (domain.Status, error) {
	comp := domain.NewComposite(dag)
	err := p.eachBatch(ctx, filter, func(jobs []domain.Job) error {
		for _, j := range jobs {
			comp.Add(j.Status, j.AllowFailure)
		}
		return nil
	})
	if err != nil {
		return domain.StatusNone, err
	}
	return orSuccess(comp.Status()), nil
}

var createdOnly = []domain.Status{domain.StatusCreated}

func (p *legacyPass) processStageScheduled(ctx context.Context) error {
	var positions []int
	err := p.eachBatch(ctx, domain.JobFilter{Statuses: createdOnly, SchedulingType: domain.SchedulingStage}, func(jobs []domain.Job) error {
		for _, j := range jobs {
			if !slices.Contains(positions, j.StagePosition) {
				positions = append(positions, j.StagePosition)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slices.Sort(positions)

	for _, pos := range positions {
		prior, err := p.fold(ctx, domain.JobFilter{BeforeStage: &pos}, false)
		if err != nil {
			return err
		}
		if !prior.IsCompleted() {
			continue
		}
		filter := domain.JobFilter{Statuses: createdOnly, SchedulingType: domain.SchedulingStage, StagePosition: &pos}
		err = p.eachBatch(ctx, filter, func(jobs []domain.Job) error {
			for _, j := range jobs {
				if err := p.processJob(ctx, j, prior); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *legacyPass) processDAGWithoutNeeds(ctx context.Context) error {
	return p.eachBatch(ctx, domain.JobFilter{Statuses: createdOnly, SchedulingType: domain.SchedulingDAG}, func(jobs []domain.Job) error {
		for _, j := range jobs {
			if len(j.Needs) > 0 {
				continue
			}
			if err := p.processJob(ctx, j, domain.StatusSuccess); err != nil {
				return err
			}
		}
		return nil
	})
}

// processDAGWithNeeds evaluates created dag jobs that need one of the
// trigger jobs and have no incomplete need.
func (p *legacyPass) processDAGWithNeeds(ctx context.Context, triggerIDs []int64) error {
	if len(triggerIDs) == 0 {
		return nil
	}

	triggers, err := p.engine.store.ListJobs(ctx, domain.JobFilter{PipelineID: p.pipelineID, IDs: triggerIDs})
	if err != nil {
		return fmt.Errorf("list trigger jobs: %w", err)
	}
	triggerNames := make(map[string]bool, len(triggers))
	for _, j := range triggers {
		triggerNames[j.Name] = true
	}
	if len(triggerNames) == 0 {
		return nil
	}

	known := make(map[string]bool)
	incomplete := make(map[string]bool)
	err = p.eachBatch(ctx, domain.JobFilter{}, func(jobs []domain.Job) error {
		for _, j := range jobs {
			known[j.Name] = true
			if !j.Status.IsCompleted() {
				incomplete[j.Name] = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var candidates []domain.Job
	err = p.eachBatch(ctx, domain.JobFilter{Statuses: createdOnly, SchedulingType: domain.SchedulingDAG}, func(jobs []domain.Job) error {
		for _, j := range jobs {
			if slices.ContainsFunc(j.Needs, func(n string) bool { return triggerNames[n] }) &&
				!slices.ContainsFunc(j.Needs, func(n string) bool { return incomplete[n] }) {
				candidates = append(candidates, j)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ordered, err := OrderJobs(p.pipelineID, candidates, func(name string) bool { return known[name] })
	if err != nil {
		return err
	}
	for _, j := range ordered {
		status, err := p.fold(ctx, domain.JobFilter{Names: j.Needs}, true)
		if err != nil {
			return err
		}
		if !status.IsCompleted() {
			continue
		}
		if err := p.processJob(ctx, j, status); err != nil {
			return err
		}
	}
	return nil
}

func (p *legacyPass) processJob(ctx context.Context, job domain.Job, prereq domain.Status) error {
	e := p.engine
	out, err := transitionJob(ctx, e.store, e.opts, job, prereq)
	if err != nil {
		return err
	}
	if !out.changed {
		return nil
	}

	p.changed = true
	p.logger.Debug("job transitioned", "job", out.job.Name, "status", out.job.Status)
	if out.job.Status.IsCompleted() {
		p.completed = append(p.completed, out.job.ID)
		return nil
	}
	if err := e.dispatcher.OnJobBecameRunnable(ctx, out.job); err != nil {
		p.logger.Warn("job runnable notification failed", "job", out.job.Name, "error", err)
	}
	return nil
}

// updateStatuses recomputes every stage and the pipeline from storage and
// marks the jobs it read as processed at the version read.
func (p *legacyPass) updateStatuses(ctx context.Context) error {
	e := p.engine

	stages, err := e.store.ListStages(ctx, p.pipelineID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}

	all := domain.NewComposite(false)
	for _, stage := range stages {
		comp := domain.NewComposite(false)
		var refs []domain.JobRef
		err := p.eachBatch(ctx, domain.JobFilter{StagePosition: &stage.Position}, func(jobs []domain.Job) error {
			for _, j := range jobs {
				comp.Add(j.Status, j.AllowFailure)
				if !j.Processed {
					refs = append(refs, domain.JobRef{ID: j.ID, Version: j.Version})
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if comp.Len() == 0 {
			continue
		}
		all.Merge(comp)

		if status := comp.Status(); status != stage.Status {
			if err := e.store.UpdateStageStatus(ctx, stage.ID, status); err != nil {
				return fmt.Errorf("update stage status: %w", err)
			}
		}
		for batch := range slices.Chunk(refs, e.opts.BatchSize) {
			if err := e.store.MarkProcessed(ctx, batch); err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
		}
	}

	if err := e.store.UpdatePipelineStatus(ctx, p.pipelineID, orSuccess(all.Status())); err != nil {
		return fmt.Errorf("update pipeline status: %w", err)
	}
	return nil
}
