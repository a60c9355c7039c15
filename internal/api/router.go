// Package api exposes the trigger, push, status and integration endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/maltedev/vendor-sync/internal/database"
	"github.com/maltedev/vendor-sync/internal/metrics"
	"github.com/maltedev/vendor-sync/internal/ratelimit"
)

const (
	DefaultPushMaxProducts = 500
	DefaultBatchTimeout    = 2 * time.Hour
)

const (
	outboxPending    = database.OutboxStatusPending
	outboxFailed     = database.OutboxStatusFailed
	outboxDeadLetter = database.OutboxStatusDeadLetter
)

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type OutboxStats interface {
	CountByStatus(ctx context.Context, statuses ...string) (int64, error)
}

type Options struct {
	CronSecret      string
	AdminToken      string
	PublicBaseURL   string
	PushMaxProducts int
	// RequestTimeout bounds synchronous triggers, which wait for extraction.
	RequestTimeout time.Duration
	// BatchTimeout bounds the sync-all trigger, which outlives RequestTimeout.
	BatchTimeout   time.Duration
	AllowedOrigins []string
	RateLimiter    *ratelimit.KeyedLimiter
	Metrics        *metrics.Collector
	Outbox         OutboxStats
	HealthChecks   []HealthCheck
}

// NewRouter wires the handlers into a chi router.
func NewRouter(h *Handlers) http.Handler {
	timeout := h.opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	origins := h.opts.AllowedOrigins
	if len(origins) == 0 {
		// The push script runs on vendor storefronts.
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.opts.Metrics != nil {
		r.Use(h.opts.Metrics.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerAPIKey},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(h.rateLimit, h.requireSecret(headerCronSecret, h.opts.CronSecret)).
			Post("/sync/all", h.TriggerSyncAll)

		r.Route("/vendors/{vendorID}", func(r chi.Router) {
			// vendorID is only resolved from here down.
			r.Use(h.rateLimit)
			r.Use(middleware.Timeout(timeout))

			r.With(h.requireSecret(headerAdminToken, h.opts.AdminToken)).
				Post("/integration", h.CreateIntegration)

			r.Group(func(r chi.Router) {
				r.Use(h.requireVendorKey)

				r.Post("/sync", h.TriggerSync)
				r.Get("/sync/status", h.GetSyncStatus)
				r.Get("/sync/runs/{runID}", h.GetRun)
				r.Post("/products/bulk", h.PushProducts)
			})
		})
	})

	return r
}
