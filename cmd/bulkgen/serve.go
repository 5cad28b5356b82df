package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
	"github.com/jo-hoe/bulkgen/internal/generation/httpapi"
	"github.com/jo-hoe/bulkgen/internal/generation/mock"
	"github.com/jo-hoe/bulkgen/internal/generation/openai"
	"github.com/jo-hoe/bulkgen/internal/jobs"
	"github.com/jo-hoe/bulkgen/internal/logging"
	"github.com/jo-hoe/bulkgen/internal/orchestrator"
	"github.com/jo-hoe/bulkgen/internal/server"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	store, err := jobs.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	gen, err := newGenerator(cfg.Generation)
	if err != nil {
		return fmt.Errorf("init generation provider: %w", err)
	}
	logger.Info("generation provider ready", "provider", cfg.Generation.Provider)

	orch := orchestrator.New(cfg.Orchestrator, store, gen, logger)
	if n, err := orch.RecoverStale(ctx); err != nil {
		logger.Warn("stale job recovery failed", "err", err)
	} else if n > 0 {
		logger.Info("recovered stale jobs", "count", n)
	}

	svc, err := server.NewService(logger, cfg, orch)
	if err != nil {
		return err
	}
	httpSrv := server.NewHTTPServer(svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "address", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		if !orch.Shutdown(cfg.Server.ShutdownGrace) {
			logger.Warn("jobs still running after shutdown grace", "jobs", orch.Running())
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// newGenerator builds the configured generation provider.
func newGenerator(cfg config.GenerationConfig) (generation.Client, error) {
	switch cfg.Provider {
	case common.ProviderMock:
		return mock.New(cfg.Mock), nil
	case common.ProviderHTTP:
		return httpapi.New(cfg.HTTP, cfg.ForwardHeaders)
	case common.ProviderOpenAI:
		return openai.New(cfg.OpenAI, cfg.ForwardHeaders)
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", cfg.Provider)
	}
}
