package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"schema_reconciler/internal/config"
)

type Server struct {
	cfg           *config.Config
	logger        requestLogger
	targetHandler *TargetHandler
	runHandler    *RunHandler
}

type requestLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

func New(cfg *config.Config, logger requestLogger, targetHandler *TargetHandler, runHandler *RunHandler) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		targetHandler: targetHandler,
		runHandler:    runHandler,
	}
}

func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddress,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Route("/api/v1", func(api chi.Router) {
		api.Method(http.MethodGet, "/health", HealthHandler{Targets: len(s.cfg.Targets)})

		// Reads and plans are bounded; reconcile runs use the configured
		// run timeout instead.
		api.Group(func(read chi.Router) {
			read.Use(middleware.Timeout(60 * time.Second))
			read.Get("/targets", s.targetHandler.List)
			read.Get("/targets/{name}/plan", s.targetHandler.Plan)
			read.Get("/targets/{name}/manual.sql", s.targetHandler.ManualSQL)
			read.Get("/targets/{name}/drift", s.targetHandler.Drift)
			read.Get("/runs", s.runHandler.List)
			read.Get("/runs/{id}", s.runHandler.Get)
			read.Get("/runs/{id}/manual.sql", s.runHandler.ManualSQL)
		})

		api.With(RequireToken(s.cfg.APIToken, s.logger)).Post("/targets/{name}/reconcile", s.targetHandler.Reconcile)
	})

	return r
}
