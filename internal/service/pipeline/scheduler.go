package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"pipeflow/internal/domain"
)

// DefaultSweepLimit bounds the pipelines enqueued by one sweep.
const DefaultSweepLimit = 500

// Sweeper periodically enqueues pipelines that still have unprocessed jobs.
// It recovers from lost triggers and from passes whose lease expired.
type Sweeper struct {
	cron      *cron.Cron
	pipelines domain.PipelineRepository
	queue     domain.WorkScheduler
	schedule  string
	limit     int
	logger    *slog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// NewSweeper creates a Sweeper that runs on the given cron schedule. An
// empty schedule disables periodic sweeps; Sweep can still be called.
func NewSweeper(pipelines domain.PipelineRepository, queue domain.WorkScheduler, schedule string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cron:      cron.New(),
		pipelines: pipelines,
		queue:     queue,
		schedule:  schedule,
		limit:     DefaultSweepLimit,
		logger:    logger.With("component", "sweeper"),
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("pipeline sweeper disabled")
		return nil
	}
	entryID, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("pipeline sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.entryID = entryID
	s.started = true
	s.cron.Start()
	s.logger.Info("pipeline sweeper started", "schedule", s.schedule)
	return nil
}

// Stop stops the cron scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.started = false
	s.logger.Info("pipeline sweeper stopped")
}

// Sweep enqueues every pipeline needing processing and returns how many
// were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.pipelines.ListPipelinesNeedingProcessing(ctx, s.limit)
	if err != nil {
		return 0, fmt.Errorf("list pipelines needing processing: %w", err)
	}

	n := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, domain.ProcessRequest{PipelineID: id}); err != nil {
			return n, fmt.Errorf("enqueue pipeline %d: %w", id, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("pipelines swept", "count", n)
	}
	return n, nil
}
