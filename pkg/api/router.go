// Package api implements the REST surface of the upload service: upload
// CRUD, raw file transfer, entry and archive retrieval, processing
// actions, and bundle import/export. Authentication uses Bearer tokens
// validated against the deployment's shared secret.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/api/auth"
	"github.com/nomad-lab/nomad-core/pkg/api/handlers"
	"github.com/nomad-lab/nomad-core/pkg/api/middleware"
	"github.com/nomad-lab/nomad-core/pkg/controller"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/metrics"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Controller *controller.Controller
	State      store.Store
	Files      *files.Store
	Auth       *auth.Service
}

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /health, GET /health/ready - probes, unauthenticated
//   - GET /metrics - Prometheus metrics, when enabled
//   - /api/v1/uploads... - upload operations, Bearer token required
func NewRouter(cfg Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.State)
	uploadHandler := handlers.NewUploadHandler(deps.Controller, deps.State, deps.Files)
	entryHandler := handlers.NewEntryHandler(deps.State, deps.Files)
	bundleHandler := handlers.NewBundleHandler(deps.Controller, deps.Files)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if metrics.IsEnabled() {
		r.Method("GET", "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(deps.Auth, deps.State))

		// JSON operations run under the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

			r.Post("/uploads", uploadHandler.Create)
			r.Get("/uploads", uploadHandler.List)
			r.Get("/uploads/{uploadID}", uploadHandler.Get)
			r.Delete("/uploads/{uploadID}", uploadHandler.Delete)
			r.Post("/uploads/{uploadID}/edit", uploadHandler.EditMetadata)
			r.Delete("/uploads/{uploadID}/raw/*", uploadHandler.DeleteRawFiles)
			r.Get("/uploads/{uploadID}/entries", uploadHandler.ListEntries)

			r.Post("/uploads/{uploadID}/action/publish", uploadHandler.Publish)
			r.Post("/uploads/{uploadID}/action/process", uploadHandler.Reprocess)
			r.Post("/uploads/{uploadID}/action/lift-embargo", uploadHandler.LiftEmbargo)
			r.Post("/uploads/{uploadID}/action/publish-external", uploadHandler.PublishExternally)

			r.Get("/entries/{entryID}", entryHandler.Get)
			r.Get("/entries/{entryID}/archive", entryHandler.Archive)
		})

		// Streaming routes transfer raw files and bundles without the
		// request timeout.
		r.Group(func(r chi.Router) {
			r.Put("/uploads/{uploadID}/raw/*", uploadHandler.AddRawFiles)
			r.Get("/uploads/{uploadID}/raw/*", uploadHandler.GetRawFile)
			r.Get("/uploads/{uploadID}/bundle", bundleHandler.Export)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Post("/uploads/bundle", bundleHandler.Import)
			})
		})
	})

	return r
}

// requestLogger logs requests through the module's structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyClientIP, r.RemoteAddr,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, logger.Duration(start),
		)
	})
}
