package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"helmsman/internal/config"
	"helmsman/internal/dispatch"
	"helmsman/internal/errors"
	"helmsman/internal/eventstore"
	"helmsman/internal/logging"
	"helmsman/internal/observability"
	"helmsman/internal/orchestrator"
	"helmsman/internal/server"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("helmsman")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.NewTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
	}()

	store, snapshots, err := buildStore(cfg)
	if err != nil {
		return err
	}

	backend := buildBackend(cfg, logger)
	dispatcher := dispatch.NewDispatcher(backend, errors.CircuitBreakerConfig{
		FailureThreshold: cfg.Backend.BreakerFailureThreshold,
		SuccessThreshold: cfg.Backend.BreakerSuccessThreshold,
		Cooldown:         cfg.Backend.BreakerCooldown,
	}, logging.NewComponentLogger("Dispatcher"))

	orch, err := orchestrator.New(orchestrator.Config{
		ConcurrencyLimit: cfg.Orchestrator.ConcurrencyLimit,
		TickInterval:     cfg.Orchestrator.TickInterval,
		ApprovalTimeout:  cfg.Orchestrator.ApprovalTimeout,
	}, orchestrator.Deps{
		Store:      store,
		Snapshots:  snapshots,
		Dispatcher: dispatcher,
		Logger:     logging.NewComponentLogger("Orchestrator"),
		Metrics:    observability.DefaultMetrics(),
		Tracer:     tracing.Tracer(),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover missions: %w", err)
	}

	api := server.New(cfg.Server, orch, logging.NewComponentLogger("Server"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(api.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return api.Stop(shutdownCtx)
	})

	logger.Info("helmsman %s serving on %s (store=%s)", version, cfg.Server.Addr(), cfg.Store.Driver)
	return group.Wait()
}

func buildStore(cfg *config.Config) (eventstore.Store, eventstore.Snapshotter, error) {
	switch cfg.Store.Driver {
	case "memory":
		return eventstore.NewMemoryStore(), nil, nil
	case "file":
		store, err := eventstore.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open event store: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildBackend(cfg *config.Config, logger logging.Logger) dispatch.Backend {
	if cfg.Backend.BaseURL == "" {
		logger.Warn("no backend.base_url configured; using the simulated backend")
		return dispatch.NewSimulatedBackend()
	}
	return dispatch.NewHTTPBackend(cfg.Backend.BaseURL, cfg.Backend.Timeout, logging.NewComponentLogger("Backend"))
}
