package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pipeflow/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		flags storeFlags
		seed  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the work queue and the sweeper",
		Example: `  # Serve with the legacy engine
  pipeflow serve --engine legacy

  # Serve and load the pipelines in ./fixtures first
  pipeflow serve --seed ./fixtures`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := flags.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg)
			for _, w := range cfg.Warnings {
				logger.Warn(w)
			}

			a, closeDB, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			if seed != "" {
				views, err := app.SeedFixtures(ctx, a.Service, seed)
				if err != nil {
					return err
				}
				logger.Info("seeded pipelines", "count", len(views), "path", seed)
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           a.Router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.Run(gctx)
			})
			g.Go(func() error {
				logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "engine", cfg.Processing.Engine)
				logger.Info("try: curl http://" + curlHostForListenAddr(cfg.ListenAddr) + "/healthz")
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			logger.Info("server stopped")
			return err
		},
	}

	flags.bind(cmd.Flags(), true)
	cmd.Flags().StringVar(&seed, "seed", "", "Fixture file or directory to create pipelines from at startup")
	return cmd
}

// curlHostForListenAddr returns a host:port a local curl can reach for the
// given listen address.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
