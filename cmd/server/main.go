// Package main is the entrypoint for the inspectflow API server.
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

	"golang.org/x/sync/errgroup"

	"github.com/dfarias/inspectflow/internal/api"
	"github.com/dfarias/inspectflow/internal/api/handler"
	mw "github.com/dfarias/inspectflow/internal/api/middleware"
	"github.com/dfarias/inspectflow/internal/api/response"
	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/config"
	"github.com/dfarias/inspectflow/internal/drive"
	"github.com/dfarias/inspectflow/internal/extract"
	"github.com/dfarias/inspectflow/internal/ingest"
	"github.com/dfarias/inspectflow/internal/jobs"
	"github.com/dfarias/inspectflow/internal/notify"
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/internal/watch"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "extract_provider", cfg.Extract.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create the extraction provider and its pricing table
	extractor, err := extract.NewExtractor(cfg.Extract)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}
	pricing, err := extract.NewPricing(
		cfg.Extract.InputPricePerMTokUSD,
		cfg.Extract.OutputPricePerMTokUSD,
		cfg.Extract.ExchangeRateUSDBRL,
	)
	if err != nil {
		return fmt.Errorf("create pricing: %w", err)
	}
	slog.Info("extraction provider initialized", "provider", cfg.Extract.Provider)

	// 6. Create store and Drive client
	pgStore := store.NewPostgresStore(pool)
	driveClient := drive.NewHTTPClient(
		cfg.Drive.BaseURL,
		cfg.Drive.AccessToken,
		cfg.Drive.Timeout,
		cfg.Drive.MaxRetries,
	)

	// 7. Wire the pipeline
	dispatcher := notify.NewDispatcher(&notify.LogSender{Log: slog.Default()}, 0, slog.Default())
	processor := ingest.NewProcessor(
		pgStore, redisCache, driveClient,
		extractor, pricing, dispatcher,
		cfg.Pipeline, slog.Default(),
	)
	runner := jobs.NewRunner(pgStore, redisCache, processor, cfg.Pipeline.DailyQuota, slog.Default())
	watcher := watch.NewWatcher(pgStore, redisCache, driveClient, runner, cfg.Pipeline, cfg.Webhook, slog.Default())

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:         auth,
		RateLimit:    rateLimit,
		ChannelToken: cfg.Webhook.ChannelToken,
		CronSecret:   cfg.Webhook.CronSecret,

		HealthHandler: healthHandler(pgStore, redisCache),

		DriveWebhookHandler:  handler.NewDriveWebhookHandler(watcher, slog.Default()),
		RegisterWatchHandler: handler.NewRegisterWatchHandler(watcher),
		CronSyncHandler:      handler.NewCronSyncHandler(watcher, slog.Default()),
		CronRenewHandler:     handler.NewCronRenewHandler(watcher, slog.Default()),
		UploadHandler:        handler.NewUploadHandler(runner, redisCache, slog.Default()),

		JobStatusHandler:        handler.NewJobStatusHandler(pgStore, redisCache),
		ListJobsHandler:         handler.NewListJobsHandler(pgStore),
		InspectionReviewHandler: handler.NewInspectionReviewHandler(pgStore),
		InspectionPlanHandler:   handler.NewInspectionPlanHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Register the push channel if a public URL is configured. Best
	// effort: the poll ticker covers for a missing channel.
	if cfg.Webhook.PublicURL != "" {
		if ch, registered, err := watcher.EnsureChannel(ctx); err != nil {
			slog.Warn("watch channel registration failed", "error", err)
		} else if registered {
			slog.Info("watch channel registered", "channel_id", ch.ID)
		}
	}

	// 10. Start HTTP server and background loops
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	// Scheduled sweep of the changes feed, the safety net for missed
	// webhooks. The fallback folder scan runs on the same tick.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Pipeline.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := watcher.ProcessGlobalChanges(gctx); err != nil {
					slog.Error("scheduled sweep failed", "error", err)
					continue
				}
				if _, err := watcher.ReconcileFolder(gctx); err != nil {
					slog.Error("scheduled fallback sweep failed", "error", err)
				}
			}
		}
	})

	// Reap jobs stuck in PROCESSING past the stale timeout.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Pipeline.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, _, err := watcher.ReapStale(gctx); err != nil {
					slog.Error("stale reap failed", "error", err)
				}
			}
		}
	})

	// Optional local drop directory, the development twin of the Drive
	// change feed.
	if cfg.Pipeline.InboxDir != "" {
		inbox := ingest.NewInbox(cfg.Pipeline.InboxDir, redisCache, runner, slog.Default())
		g.Go(func() error {
			return inbox.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
