// Package metrics exposes sync pipeline and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vendor_sync"

// Collector owns a private registry so tests and multiple instances do not
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	productsFound   *prometheus.CounterVec
	recordsTotal    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	outboxPublished *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished sync runs by source and terminal status.",
			},
			[]string{"source", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of sync runs.",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source"},
		),
		productsFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "products_found_total",
				Help:      "Product records found by extraction or received by push.",
			},
			[]string{"source"},
		),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Reconciled records by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of HTTP request durations.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route", "status"},
		),
		outboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox relay publish attempts by event type and result.",
			},
			[]string{"event_type", "result"},
		),
	}

	c.registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.productsFound,
		c.recordsTotal,
		c.httpRequests,
		c.httpDuration,
		c.outboxPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveRun records a finished sync run.
func (c *Collector) ObserveRun(run *models.SyncRun, duration time.Duration) {
	source := string(run.Source)
	c.runsTotal.WithLabelValues(source, string(run.Status)).Inc()
	c.runDuration.WithLabelValues(source).Observe(duration.Seconds())
	c.productsFound.WithLabelValues(source).Add(float64(run.ProductsFound))
	c.recordsTotal.WithLabelValues(string(models.RecordCreated)).Add(float64(run.ProductsCreated))
	c.recordsTotal.WithLabelValues(string(models.RecordUpdated)).Add(float64(run.ProductsUpdated))
	c.recordsTotal.WithLabelValues(string(models.RecordFailed)).Add(float64(len(run.Errors)))
}

// ObserveOutbox matches the relay's publish hook.
func (c *Collector) ObserveOutbox(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.outboxPublished.WithLabelValues(eventType, result).Inc()
}

// Middleware records request counts and latency keyed by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := classifyStatus(ww.Status())
		c.httpRequests.WithLabelValues(r.Method, route, status).Inc()
		c.httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func classifyStatus(statusCode int) string {
	switch {
	case statusCode == 0:
		return "2xx"
	case statusCode >= 100 && statusCode < 600:
		return strconv.Itoa(statusCode/100) + "xx"
	}
	return "unknown"
}
