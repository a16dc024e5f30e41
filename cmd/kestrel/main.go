// Kestrel - real-time transaction fraud scoring.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/calibration"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluation"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/realtime"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"time_zone", cfg.Scoring.TimeZone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	// Repository
	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(ctx, cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Scoring
	loc, err := time.LoadLocation(cfg.Scoring.TimeZone)
	if err != nil {
		return fmt.Errorf("load time zone: %w", err)
	}
	var provider domain.HistoryProvider = features.NeutralHistory{}
	if cfg.History.Enabled {
		provider = history.NewService(repo, cacheImpl, cfg.History)
	}
	trainer := calibration.NewTrainer()
	scorer, err := scoring.NewScorer(features.NewExtractor(provider, features.WithLocation(loc)), cfg.Scoring.Weights, trainer)
	if err != nil {
		return fmt.Errorf("initialize scorer: %w", err)
	}
	slog.Info("scorer initialized", "history", cfg.History.Enabled)

	// Alert rules
	engine, err := alerting.NewEngine(100)
	if err != nil {
		return fmt.Errorf("initialize alert engine: %w", err)
	}
	if err := loadAlertRules(ctx, repo, engine); err != nil {
		return err
	}
	slog.Info("alert engine initialized", "rules_count", engine.RulesCount())

	analyzer := pipeline.NewAnalyzer(scorer, engine, repo, busImpl)

	// Async ingestion
	ingest := worker.NewWorker(busImpl, analyzer)
	if err := ingest.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// Realtime fan-out
	hub := realtime.NewHub(logger.With("component", "realtime"), cfg.Server.OriginAllowed)
	go hub.Run(ctx)
	bridged, err := hub.Bridge(ctx, busImpl)
	if err != nil {
		return fmt.Errorf("bridge realtime hub: %w", err)
	}

	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Analyzer:  analyzer,
		Evaluator: evaluation.NewEvaluator(scorer),
		Trainer:   trainer,
		Rules:     engine,
		Hub:       hub,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop ingestion first so in-flight analyses finish before storage closes.
	if err := ingest.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}
	for _, sub := range bridged {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe realtime bridge", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

// loadAlertRules loads stored rules into the engine. An empty store is seeded
// with the default fraud-decision rule.
func loadAlertRules(ctx context.Context, repo domain.Repository, engine *alerting.Engine) error {
	stored, err := repo.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}

	if len(stored) == 0 {
		slog.Info("no alert rules in database - installing defaults")
		stored = alerting.DefaultRules()
		now := time.Now().UTC()
		for _, rule := range stored {
			rule.CreatedAt, rule.UpdatedAt = now, now
			if err := repo.SaveAlertRule(ctx, rule); err != nil {
				return fmt.Errorf("save default rule %s: %w", rule.ID, err)
			}
		}
	}

	return engine.ReloadRules(stored)
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
