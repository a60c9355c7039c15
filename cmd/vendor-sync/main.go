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

	"github.com/maltedev/vendor-sync/internal/api"
	"github.com/maltedev/vendor-sync/internal/app"
	"github.com/maltedev/vendor-sync/internal/config"
	"github.com/maltedev/vendor-sync/internal/ratelimit"
	"github.com/maltedev/vendor-sync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg, logger, app.Options{Browser: true})
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := ratelimit.NewKeyedLimiter(cfg.API.RateLimit, cfg.API.RateBurst, 10*time.Minute)

	checks := []api.HealthCheck{{Name: "store", Check: a.Ping}}
	if a.Redis != nil {
		checks = append(checks, api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}

	opts := api.Options{
		CronSecret:      cfg.Auth.CronSecret,
		AdminToken:      cfg.Auth.AdminToken,
		PublicBaseURL:   cfg.BaseURL(),
		PushMaxProducts: cfg.API.PushMaxProducts,
		RequestTimeout:  cfg.Server.WriteTimeout,
		BatchTimeout:    cfg.Sync.BatchTimeout,
		RateLimiter:     limiter,
		Metrics:         a.Metrics,
		HealthChecks:    checks,
	}
	if a.Outbox != nil {
		opts.Outbox = a.Outbox
	}
	if cfg.Auth.CronSecret == "" {
		logger.Warn("CRON_SECRET is not set, batch trigger is disabled")
	}
	if cfg.Auth.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set, integration endpoint is disabled")
	}

	handlers := api.NewHandlers(a.Orchestrator, a.Vendors, opts, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Server.Port, "public_url", cfg.BaseURL())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if a.Relay != nil {
		g.Go(func() error {
			return ignoreCanceled(a.Relay.Start(gctx))
		})
	}

	if cfg.Sync.Interval > 0 {
		scheduler := syncer.NewScheduler(a.Orchestrator, cfg.Sync.Interval, logger)
		g.Go(func() error {
			return ignoreCanceled(scheduler.Start(gctx))
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					logger.Debug("evicted idle rate limit buckets", "count", n)
				}
			}
		}
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
