// Package api serves the admin HTTP surface: manual loads, provider checks,
// upload history, breaker and cache administration, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/cache"
	"github.com/fuelwise/fuel-ingest/internal/ingest"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
	"github.com/fuelwise/fuel-ingest/internal/store"
)

// DefaultMaxUploadBytes bounds multipart uploads when none is configured.
const DefaultMaxUploadBytes = 64 << 20

// Runner is the ingestion surface the API drives.
type Runner interface {
	Run(ctx context.Context, req ingest.RunRequest) (*model.UploadEvent, error)
	TestConnection(ctx context.Context, templateID int64) (model.ConnectionResult, error)
	Fields(ctx context.Context, templateID int64) ([]model.FieldDescriptor, error)
	Location() *time.Location
}

// Deps groups the collaborators of the router. Cache may be nil.
type Deps struct {
	Runner         Runner
	Store          store.Store
	Breakers       *resilience.Registry
	Cache          *cache.Cache
	UploadDir      string
	MaxUploadBytes int64
	CORSOrigins    []string
}

type server struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &server{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/templates/{id}", func(r chi.Router) {
			r.Post("/load", s.load)
			r.Get("/test", s.testConnection)
			r.Get("/fields", s.fields)
		})
		r.Get("/uploads", s.uploads)
		r.Get("/breakers", s.breakers)
		r.Post("/breakers/{name}/reset", s.resetBreaker)
		r.Get("/cache/stats", s.cacheStats)
		r.Delete("/cache/{namespace}", s.invalidateCache)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
