// Package app wires the pipeflow repositories, engines and background
// workers from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/coder/quartz"

	"pipeflow/internal/api"
	"pipeflow/internal/config"
	"pipeflow/internal/db/repository"
	"pipeflow/internal/domain"
	"pipeflow/internal/lease"
	"pipeflow/internal/middleware"
	"pipeflow/internal/service/pipeline"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
	// Clock drives lease expiry. Nil means the real clock.
	Clock quartz.Clock
}

// App holds the fully-wired application.
type App struct {
	Service   *pipeline.Service
	Processor domain.Processor
	Queue     *pipeline.WorkQueue
	Sweeper   *pipeline.Sweeper
	Router    http.Handler

	logger *slog.Logger
}

// New wires repositories, the selected processing engine, the work queue,
// the sweeper and the HTTP router from deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// === Repositories ===
	pipelines := repository.NewPipelineRepo(deps.WriteDB, deps.ReadDB)
	var leases domain.LeaseService = repository.NewLeaseRepo(deps.WriteDB, deps.Clock)
	if cfg.Processing.LeaseBackend == config.LeaseBackendMemory {
		leases = lease.NewMemory(deps.Clock)
	}
	deployments := repository.NewDeploymentRepo(deps.WriteDB)

	// === Processing ===
	queue := pipeline.NewWorkQueue(logger, pipeline.QueueOptions{
		Workers: cfg.Queue.Workers,
		Rate:    cfg.Queue.Rate,
		Burst:   cfg.Queue.Burst,
	})
	dispatcher := pipeline.NewStoreDispatcher(pipelines, deployments, queue, logger)
	processor, err := pipeline.NewProcessor(cfg.Processing.Engine, pipelines, leases, queue, dispatcher, logger, pipeline.EngineOptions{
		BatchSize:           cfg.Processing.BatchSize,
		LeaseTTL:            cfg.Processing.LeaseTTL,
		LeaseAcquireTimeout: cfg.Processing.LeaseAcquireTimeout,
		MaxUpdateRetries:    cfg.Processing.JobUpdateRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}
	queue.SetProcessor(processor)

	svc := pipeline.NewService(pipelines, queue, processor, dispatcher, logger)
	sweeper := pipeline.NewSweeper(pipelines, queue, cfg.SweepSchedule, logger)

	// === HTTP ===
	handler := api.NewHandler(svc, deps.ReadDB, logger)
	router := api.NewRouter(handler, logger, api.RouterConfig{
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
	})

	return &App{
		Service:   svc,
		Processor: processor,
		Queue:     queue,
		Sweeper:   sweeper,
		Router:    router,
		logger:    logger,
	}, nil
}

// Run starts the sweeper and drains the work queue until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.Sweeper.Start(ctx); err != nil {
		return err
	}
	defer a.Sweeper.Stop()

	// Pick up pipelines left unprocessed by a previous run.
	if n, err := a.Sweeper.Sweep(ctx); err != nil {
		a.logger.Warn("startup sweep failed", "error", err)
	} else if n > 0 {
		a.logger.Info("startup sweep enqueued pipelines", "count", n)
	}
	return a.Queue.Run(ctx)
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func NewLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
