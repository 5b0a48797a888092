package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"pipeflow/internal/middleware"
)

// RouterConfig holds the middleware settings of NewRouter.
type RouterConfig struct {
	RateLimit middleware.RateLimitConfig
}

// NewRouter mounts the handler's routes on a chi router.
func NewRouter(h *Handler, logger *slog.Logger, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.RateLimiter(cfg.RateLimit))

		r.Post("/pipelines", h.CreatePipeline)
		r.Get("/pipelines/{id}", h.GetPipeline)
		r.Post("/pipelines/{id}/process", h.ProcessPipeline)

		r.Post("/jobs/{id}/status", h.UpdateJobStatus)
		r.Post("/jobs/{id}/play", h.PlayJob)
		r.Post("/jobs/{id}/retry", h.RetryJob)
	})
	return r
}
