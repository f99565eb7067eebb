// Package api exposes the threat-intel pipeline over HTTP. Every failure
// response keeps the shape of the success payload with empty collections.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/correlation"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/scheduler"
	"github.com/lvonguyen/threatlens/internal/store"
)

// Check is a named readiness check.
type Check func(ctx context.Context) error

// Deps are the components served by the API. Store, Collector, Geo,
// ThreatMap and Correlation are required. HEC, when set, is mounted at
// /services/collector.
type Deps struct {
	Store       store.Store
	Collector   *feeds.Collector
	Geo         enrichment.Locator
	ThreatMap   *enrichment.ThreatMapBuilder
	Correlation *correlation.Builder

	Scheduler      *scheduler.Scheduler
	Publisher      events.Publisher
	Limiter        *gateway.RateLimiter
	HEC            http.Handler
	ReadyChecks    map[string]Check
	MetricsHandler http.Handler
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	Version        string
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		deps:     deps,
		logger:   deps.Logger.With(zap.String("component", "api")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(middleware.Timeout(s.deps.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	if s.deps.HEC != nil {
		r.Mount("/services/collector", s.deps.HEC)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware(nil))
		}

		r.Route("/indicators", func(r chi.Router) {
			r.Get("/", s.handleListIndicators)
			r.Post("/", s.handleSubmitIndicator)
			r.Get("/{type}/*", s.handleGetIndicator)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/", s.handleCreateAlert)
		})

		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.handleFeedHealth)
			r.Post("/sync", s.handleFeedSync)
		})

		r.Get("/geo/{ip}", s.handleGeo)
		r.Get("/threat-map", s.handleThreatMap)
		r.Get("/correlation", s.handleCorrelation)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/{name}/trigger", s.handleTriggerJob)
		})
	})

	return r
}
