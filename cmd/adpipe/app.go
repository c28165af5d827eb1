package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/adpipe/internal/artifacts"
	"github.com/animus-labs/adpipe/internal/config"
	"github.com/animus-labs/adpipe/internal/gate"
	"github.com/animus-labs/adpipe/internal/genai"
	"github.com/animus-labs/adpipe/internal/orchestrator"
	"github.com/animus-labs/adpipe/internal/platform/env"
	"github.com/animus-labs/adpipe/internal/platform/objectstore"
	"github.com/animus-labs/adpipe/internal/platform/postgres"
	"github.com/animus-labs/adpipe/internal/platform/telemetry"
	repopg "github.com/animus-labs/adpipe/internal/repo/postgres"
	"github.com/animus-labs/adpipe/internal/scrape"
	"github.com/animus-labs/adpipe/internal/stage"
	storageobjectstore "github.com/animus-labs/adpipe/internal/storage/objectstore"
	"github.com/animus-labs/adpipe/internal/upstream"
	"github.com/animus-labs/adpipe/internal/videoapi"
	"github.com/minio/minio-go/v7"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	ledger    *repopg.Ledger
	storeCfg  objectstore.Config
	minio     *minio.Client
	artifacts *artifacts.Store
	gate      *gate.Gate
	orch      *orchestrator.Orchestrator

	closers []func(context.Context) error
}

// newApp connects the ledger and artifact store. withPipeline additionally
// builds the upstream clients and stages needed to execute runs.
func newApp(ctx context.Context, withPipeline bool) (_ *app, err error) {
	if err := env.LoadDotEnv(rootFlags.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	telCfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}
	logger, shutdown, err := telemetry.Setup(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []func(context.Context) error{shutdown}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	a.db, err = postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	if err := repopg.EnsureSchema(ctx, a.db); err != nil {
		return nil, err
	}
	a.ledger = repopg.NewLedger(a.db)

	a.storeCfg, err = objectstore.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid object store config: %w", err)
	}
	a.minio, err = objectstore.NewMinIOClient(a.storeCfg)
	if err != nil {
		return nil, fmt.Errorf("object store client init failed: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBuckets(startupCtx, a.minio, a.storeCfg); err != nil {
		return nil, fmt.Errorf("object store unavailable: %w", err)
	}
	blobs, err := storageobjectstore.NewMinioStoreWithClient(a.minio)
	if err != nil {
		return nil, err
	}
	a.artifacts, err = artifacts.NewStore(blobs, a.storeCfg.BucketArtifacts)
	if err != nil {
		return nil, err
	}

	a.gate, err = gate.New(a.ledger, a.artifacts, cfg.GateConfig(), logger)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Ledger: a.ledger,
		Store:  a.artifacts,
		Gate:   a.gate,
		Config: cfg.OrchestratorConfig(),
		Logger: logger,
	}
	if withPipeline {
		deps.Executor, deps.Pipeline, err = a.pipeline(ctx)
		if err != nil {
			return nil, err
		}
	}
	a.orch, err = orchestrator.New(deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) pipeline(ctx context.Context) (*stage.Executor, orchestrator.Pipeline, error) {
	auth, err := upstream.AuthConfigFromEnv()
	if err != nil {
		return nil, orchestrator.Pipeline{}, fmt.Errorf("upstream auth config: %w", err)
	}
	analyzer, err := genai.NewClient(a.cfg.GenAIConfig(), upstream.NewHTTPClient(ctx, auth, a.cfg.GenAI.Timeout))
	if err != nil {
		return nil, orchestrator.Pipeline{}, fmt.Errorf("genai client: %w", err)
	}
	video, err := videoapi.NewClient(a.cfg.VideoAPIConfig(), upstream.NewHTTPClient(ctx, auth, a.cfg.Video.Timeout))
	if err != nil {
		return nil, orchestrator.Pipeline{}, fmt.Errorf("video client: %w", err)
	}

	creative := &stage.Creative{
		Analyzer:      analyzer,
		ScrapeMaxChar: a.cfg.Scrape.MaxChars,
		Video:         video,
		Poll:          a.cfg.PollConfig(),
		FetchRetry:    a.cfg.RetryPolicy(),
		Scenes:        a.cfg.Scenes,
		Render:        a.cfg.Render(),
	}
	if a.cfg.Scrape.Enabled {
		creative.Scraper = scrape.NewBrowser(a.cfg.ScrapeConfig())
	}
	if err := creative.Validate(); err != nil {
		return nil, orchestrator.Pipeline{}, err
	}

	exec, err := stage.NewExecutor(a.artifacts, a.cfg.RetryPolicy(), a.logger)
	if err != nil {
		return nil, orchestrator.Pipeline{}, err
	}
	return exec, orchestrator.Pipeline{
		USPExtraction:   creative.USPExtraction(),
		StyleAnalysis:   creative.StyleAnalysis(),
		BriefSynthesis:  creative.BriefSynthesis(),
		VideoGeneration: creative.VideoGeneration(),
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}
