// Package app builds the codemap dependency graph.
// Everything is constructed once at startup and released by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/codemap/internal/config"
	"github.com/raphaelgruber/codemap/internal/db"
	"github.com/raphaelgruber/codemap/internal/db/sqlite"
	"github.com/raphaelgruber/codemap/internal/llm"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/parser"
	"github.com/raphaelgruber/codemap/internal/service"
	"github.com/raphaelgruber/codemap/internal/source"
	"github.com/raphaelgruber/codemap/internal/store"
)

// App holds all long-lived dependencies.
type App struct {
	Config   config.Config
	Store    store.Store
	Pipeline *service.Pipeline
	Jobs     *service.JobManager
	Sweeper  *service.Sweeper
	Metrics  *metrics.Collector
	Oracle   llm.Oracle
}

// New connects the store and oracle and wires the pipeline services.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	mc := metrics.NewCollector()

	st, err := openStore(ctx, cfg, mc)
	if err != nil {
		return nil, err
	}

	oracle, err := llm.NewOracle(ctx, cfg, mc)
	if err != nil {
		_ = st.Close(ctx)
		return nil, fmt.Errorf("create oracle: %w", err)
	}
	if oracle == nil {
		slog.Warn("semantic oracle disabled, annotations and resolutions will be unavailable")
	} else {
		slog.Info("semantic oracle ready", "provider", cfg.LLMProvider, "model", oracle.Name())
	}

	jobs := service.NewJobManager()
	analysis := service.NewAnalysisService(
		st,
		source.NewGit(cfg.SourceWorkdir),
		parser.NewExtractor(parser.DefaultCacheSize, mc),
		service.NewAnnotator(oracle, cfg.AnnotateMaxBytes, mc),
		service.AnalysisOptions{MaxFileSize: cfg.MaxFileSize, Concurrency: cfg.AnalysisConcurrency},
		mc,
	)
	resolver := service.NewResolver(st, oracle, service.NewOrchestrator(st, nil, mc), service.ResolverOptions{
		ContextLimit: cfg.ResolverContextLimit,
		MaxRecords:   cfg.ResolverMaxRecords,
	}, mc)

	sweeper, err := service.NewSweeper(st, jobs, cfg.SweepSchedule)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	return &App{
		Config:   cfg,
		Store:    st,
		Pipeline: service.NewPipeline(st, jobs, analysis, resolver),
		Jobs:     jobs,
		Sweeper:  sweeper,
		Metrics:  mc,
		Oracle:   oracle,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, mc *metrics.Collector) (store.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, mc)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("using sqlite store", "path", cfg.SQLitePath)
		return st, nil
	default:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, nil, mc)
		if err != nil {
			return nil, fmt.Errorf("connect surrealdb: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		return client, nil
	}
}

// Start begins background maintenance. Orphaned runs from a previous
// process are failed before the server accepts requests.
func (a *App) Start(ctx context.Context) error {
	return a.Sweeper.Start(ctx)
}

// WipeData deletes all stored data. Only the SurrealDB backend supports it.
func (a *App) WipeData(ctx context.Context) error {
	client, ok := a.Store.(*db.Client)
	if !ok {
		return fmt.Errorf("wipe not supported by %s store", a.Config.Store)
	}
	return client.WipeData(ctx)
}

// Close stops background work, then releases the store.
func (a *App) Close(ctx context.Context) error {
	a.Sweeper.Stop(ctx)
	jobsErr := a.Jobs.Shutdown(ctx)
	if jobsErr != nil {
		jobsErr = fmt.Errorf("shutdown jobs: %w", jobsErr)
	}
	return errors.Join(jobsErr, a.Store.Close(ctx))
}
