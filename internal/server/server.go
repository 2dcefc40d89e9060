// Package server exposes the search service over HTTP: photo search and
// feedback for clients, training and model lifecycle for operators.
//
// The facade carries no authorization logic of its own. Callers identify
// themselves with the X-Principal header; admin routes can additionally be
// gated with a shared token, but role decisions stay with the deployment.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fotopoisk/internal/async"
	"fotopoisk/internal/catalog"
	"fotopoisk/internal/config"
	"fotopoisk/internal/embed"
	"fotopoisk/internal/feedback"
	"fotopoisk/internal/pipeline"
	"fotopoisk/internal/registry"
	"fotopoisk/internal/telemetry"
	"fotopoisk/internal/training"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = stderrors.New("nil dependency")

const (
	// jsonBodyLimit caps non-upload request bodies.
	jsonBodyLimit = 1 << 20
	// multipartOverhead is headroom for multipart framing and text fields
	// on top of the image size cap.
	multipartOverhead = 1 << 20

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps carries the service components the facade exposes. All fields
// except Metrics are required; a nil Metrics disables telemetry.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Feedback *feedback.Aggregator
	Store    *feedback.Store
	Catalog  *catalog.Store
	Trainer  *training.Trainer
	Registry *registry.Registry
	Runner   *async.Runner
	Embedder *embed.Embedder
	Metrics  *telemetry.Metrics
}

// Server is the HTTP facade over the search service.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	feedback *feedback.Aggregator
	store    *feedback.Store
	catalog  *catalog.Store
	trainer  *training.Trainer
	registry *registry.Registry
	runner   *async.Runner
	embedder *embed.Embedder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wires the facade to the service components.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrNilDependency)
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline is required", ErrNilDependency)
	}
	if deps.Feedback == nil {
		return nil, fmt.Errorf("%w: feedback aggregator is required", ErrNilDependency)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: feedback store is required", ErrNilDependency)
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog store is required", ErrNilDependency)
	}
	if deps.Trainer == nil {
		return nil, fmt.Errorf("%w: trainer is required", ErrNilDependency)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrNilDependency)
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("%w: job runner is required", ErrNilDependency)
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}

	s := &Server{
		cfg:      cfg,
		pipeline: deps.Pipeline,
		feedback: deps.Feedback,
		store:    deps.Store,
		catalog:  deps.Catalog,
		trainer:  deps.Trainer,
		registry: deps.Registry,
		runner:   deps.Runner,
		embedder: deps.Embedder,
		metrics:  deps.Metrics,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/feedback", s.handleFeedback)
		r.With(s.requireAdminToken).Get("/stats", s.handleStats)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Post("/train", s.handleTrain)
			r.Post("/reembed", s.handleReembed)
			r.Get("/jobs", s.handleJobs)
			r.Get("/models", s.handleModels)
			r.Post("/models/{version}/promote", s.handlePromote)
			r.Post("/models/{version}/restore", s.handleRestore)
			r.Post("/backups/cleanup", s.handleCleanupBackups)
			r.Get("/annotations", s.handleListAnnotations)
			r.Post("/annotations/{id}/approve", s.handleApproveAnnotation)
		})
	})

	return r
}

// Run serves until the context is canceled, then drains in-flight
// requests. Background jobs are not waited on here; the job runner owns
// their shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("server_started", "addr", s.cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server_stopped")
	return nil
}
