package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/config"
	"github.com/TobiSchelling/PostPilot/internal/database"
	"github.com/TobiSchelling/PostPilot/internal/export"
	"github.com/TobiSchelling/PostPilot/internal/fallback"
	"github.com/TobiSchelling/PostPilot/internal/generate"
	"github.com/TobiSchelling/PostPilot/internal/index"
	"github.com/TobiSchelling/PostPilot/internal/jobs"
	"github.com/TobiSchelling/PostPilot/internal/llm"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/pipeline"
	"github.com/TobiSchelling/PostPilot/internal/ratelimit"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
)

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "postpilot.db")
	return database.Open(dbPath)
}

// app holds the wired components of one command invocation.
type app struct {
	db        *database.DB
	jobs      *jobs.Store
	docs      *database.DocumentIndex
	index     index.Index
	platforms []models.Platform
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("closing resource", zap.Error(err))
		}
	}
}

// newApp opens storage and the content index. platformFlag, when set,
// restricts the configured platforms to one.
func newApp(platformFlag string) (*app, error) {
	platforms, err := cfg.PlatformList()
	if err != nil {
		return nil, err
	}
	if platformFlag != "" {
		p, err := models.ParsePlatform(platformFlag)
		if err != nil {
			return nil, err
		}
		platforms = []models.Platform{p}
	}

	db, err := openDB()
	if err != nil {
		return nil, err
	}
	a := &app{
		db:        db,
		jobs:      jobs.NewStore(db.Objects(), logger.Named("jobs")),
		platforms: platforms,
		closers:   []func() error{db.Close},
	}

	var embedder index.Embedder
	if cfg.Index.EmbeddingModel != "" {
		embedder = index.NewBreakerEmbedder(
			llm.NewOllamaEmbedder(cfg.Index.EmbeddingModel, cfg.Index.OllamaURL),
			cfg.Index.BreakerFailures, cfg.Index.BreakerDelay, logger.Named("embedder"))
	}
	a.docs = db.Documents(embedder, logger.Named("index"))
	a.index = a.docs

	if cfg.Index.Backend == "postgres" {
		dsn := os.Getenv(cfg.Index.PostgresDSNEnv)
		if dsn == "" {
			a.Close()
			return nil, fmt.Errorf("index backend is postgres but %s is not set", cfg.Index.PostgresDSNEnv)
		}
		pg, err := index.OpenPG(dsn)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.index = index.NewPGIndex(pg, embedder, logger.Named("index"))
	}
	return a, nil
}

func modelConfig(m config.Model) llm.Config {
	return llm.Config{
		Provider:  m.Provider,
		Model:     m.Model,
		APIKeyEnv: m.APIKeyEnv,
		BaseURL:   m.BaseURL,
		Timeout:   m.Timeout,
	}
}

// providers builds the primary and, when enabled, the secondary model.
func providers() ([]llm.Provider, error) {
	var out []llm.Provider
	for _, m := range []config.Model{cfg.Generation.Primary, cfg.Generation.Secondary} {
		if !m.Enabled() {
			continue
		}
		p, err := llm.NewProvider(modelConfig(m), logger.Named("llm"))
		if err != nil {
			return nil, err
		}
		if !p.IsConfigured() {
			logger.Warn("model not configured, it will be skipped", zap.String("model", m.Model))
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *app) limiter(ctx context.Context) (*ratelimit.Limiter, error) {
	rl := cfg.RateLimit
	loc, err := rl.Location()
	if err != nil {
		return nil, err
	}
	var opts []ratelimit.Option
	if rl.RedisURLEnv != "" {
		if url := os.Getenv(rl.RedisURLEnv); url != "" {
			counter, err := ratelimit.DialRedis(ctx, url)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, counter.Close)
			opts = append(opts, ratelimit.WithCounter(counter))
			logger.Info("quota counters shared through redis")
		}
	}
	return ratelimit.New(ratelimit.Config{
		MinDelay:        rl.MinDelay,
		MaxDelay:        rl.MaxDelay,
		InitialDelay:    rl.InitialDelay,
		SuccessFactor:   rl.SuccessFactor,
		BackoffFactor:   rl.BackoffFactor,
		QuotaMargin:     rl.QuotaMargin,
		CacheTTL:        rl.CacheTTL,
		CacheMaxEntries: rl.CacheMaxEntries,
		DailyCeiling:    rl.DailyCeiling,
		HourlyCeiling:   rl.HourlyCeiling,
		Location:        loc,
	}, logger.Named("ratelimit"), opts...), nil
}

// pipeline wires retrieval, generation with its fallback ladder, and export.
func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	provs, err := providers()
	if err != nil {
		return nil, err
	}
	limiter, err := a.limiter(ctx)
	if err != nil {
		return nil, err
	}

	engine := generate.New(provs, limiter, generate.Options{
		MaxTokens:   cfg.Generation.MaxTokens,
		MaxAttempts: cfg.Generation.MaxAttempts,
	}, logger.Named("generate"))
	if !engine.Available() {
		logger.Warn("no model available, results will use rule-based synthesis")
	}

	return pipeline.New(
		a.jobs,
		retrieve.New(a.index, cfg.Index.ResultsPerAccount, logger.Named("retrieve")),
		fallback.New(engine, logger.Named("fallback")),
		export.New(a.db.Objects(), logger.Named("export")),
		pipeline.Options{Platforms: a.platforms, JobTimeout: cfg.Generation.JobTimeout},
		logger.Named("pipeline"),
	), nil
}
