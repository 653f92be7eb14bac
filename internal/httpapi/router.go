// Package httpapi is the HTTP shell over the catalog service.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/productbridge/catalog"
	"github.com/glimte/productbridge/health"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option configures the router
type Option func(*routerConfig)

type routerConfig struct {
	health   *health.Registry
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// WithHealth serves registry on /health, /ready and /live
func WithHealth(registry *health.Registry) Option {
	return func(c *routerConfig) {
		c.health = registry
	}
}

// WithGatherer serves gatherer on /metrics instead of the default registry
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(c *routerConfig) {
		c.gatherer = gatherer
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		c.logger = logger
	}
}

// NewRouter registers the product routes the service can back: queries
// when it has a store, commands when it has a gateway or an event publisher.
func NewRouter(svc *catalog.Service, opts ...Option) http.Handler {
	cfg := routerConfig{
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Handlers{svc: svc, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(cfg.logger))
	r.Use(chimiddleware.Recoverer)

	if svc.CanQuery() {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
		r.Get("/product/{id}", h.GetProduct)
	}
	if svc.CanCommand() || svc.CanPublish() {
		r.Post("/products", h.CreateProduct)
		r.Put("/products/{id}", h.UpdateProduct)
		r.Delete("/products/{id}", h.DeleteProduct)
	}

	if cfg.health != nil {
		r.Get("/health", health.ReportHandler(cfg.health, 5*time.Second))
		r.Get("/ready", health.ReadinessHandler(cfg.health, 5*time.Second))
	} else {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
	}
	r.Get("/live", health.LivenessHandler())

	r.Handle("/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"requestId", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
