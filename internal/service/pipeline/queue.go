package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pipeflow/internal/domain"
)

var _ domain.WorkScheduler = (*WorkQueue)(nil)

// QueueOptions configures a WorkQueue.
type QueueOptions struct {
	// Workers bounds the number of concurrent passes. Default 4.
	Workers int
	// Rate is the sustained number of passes started per second. Zero means
	// unlimited.
	Rate float64
	// Burst is the number of passes that may start at once. Default 1.
	Burst int
}

// WorkQueue is an in-process, at-least-once WorkScheduler. A pipeline that
// is queued but not yet picked up is held once: later requests for it are
// merged into the queued one.
type WorkQueue struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	workers int

	mu        sync.Mutex
	processor domain.Processor
	pending   map[int64]*domain.ProcessRequest
	order     []int64
	notify    chan struct{}
}

// NewWorkQueue creates an empty WorkQueue. SetProcessor must be called
// before Run.
func NewWorkQueue(logger *slog.Logger, opts QueueOptions) *WorkQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &WorkQueue{
		logger:  logger.With("component", "work_queue"),
		limiter: rate.NewLimiter(limit, opts.Burst),
		workers: opts.Workers,
		pending: make(map[int64]*domain.ProcessRequest),
		notify:  make(chan struct{}, 1),
	}
}

// SetProcessor sets the processor that runs dequeued requests. The engines
// enqueue follow-up passes, so the queue is built before them.
func (q *WorkQueue) SetProcessor(p domain.Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

// Enqueue implements domain.WorkScheduler.
func (q *WorkQueue) Enqueue(ctx context.Context, req domain.ProcessRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.PipelineID <= 0 {
		return domain.ErrValidation("invalid pipeline id %d", req.PipelineID)
	}

	q.mu.Lock()
	if queued, ok := q.pending[req.PipelineID]; ok {
		queued.Initial = queued.Initial || req.Initial
		for _, id := range req.TriggerJobIDs {
			if !slices.Contains(queued.TriggerJobIDs, id) {
				queued.TriggerJobIDs = append(queued.TriggerJobIDs, id)
			}
		}
	} else {
		r := req
		r.TriggerJobIDs = slices.Clone(req.TriggerJobIDs)
		q.pending[req.PipelineID] = &r
		q.order = append(q.order, req.PipelineID)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued pipelines.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *WorkQueue) next() (domain.ProcessRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return domain.ProcessRequest{}, false
	}
	id := q.order[0]
	q.order = q.order[1:]
	req := q.pending[id]
	delete(q.pending, id)
	return *req, true
}

// Run dispatches queued requests to the processor until ctx is done, then
// waits for in-flight passes. Requests still queued at shutdown are left for
// the sweeper to rediscover.
func (q *WorkQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	processor := q.processor
	q.mu.Unlock()
	if processor == nil {
		return fmt.Errorf("work queue has no processor")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)

	q.logger.Info("work queue started", "workers", q.workers)
	for gctx.Err() == nil {
		req, ok := q.next()
		if !ok {
			select {
			case <-gctx.Done():
			case <-q.notify:
			}
			continue
		}
		if err := q.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			q.process(gctx, processor, req)
			return nil
		})
	}

	err := g.Wait()
	q.logger.Info("work queue stopped", "queued", q.Len())
	return err
}

func (q *WorkQueue) process(ctx context.Context, processor domain.Processor, req domain.ProcessRequest) {
	logger := q.logger.With("pipeline_id", req.PipelineID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("processing pass panicked", "error", fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err := processor.Process(ctx, req)
	if err != nil {
		logger.Error("processing pass failed", "error", err)
		return
	}
	logger.Debug("processing pass finished",
		"processed", res.Processed,
		"changed", res.Changed,
		"requeued", res.Requeued,
	)
}
