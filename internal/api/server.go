// Package api exposes the audit service over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report/ckl"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// multipartMemory is the part of a multipart body kept in memory; the
// rest spills to temporary files.
const multipartMemory = 8 << 20

// Dependencies are the services the handlers call.
type Dependencies struct {
	Audits    *audit.Service
	Library   *xccdf.Library
	Extractor *xccdf.Extractor
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// MaxUploadSize bounds the whole request body of an upload.
	MaxUploadSize int64
	MaxCKLSize    int64
	// MaxBenchmarkSize bounds XCCDF archives posted to /definitions/import.
	MaxBenchmarkSize int64
	Dependencies     Dependencies
}

// Server is the HTTP API.
type Server struct {
	router *chi.Mux
	logger *logrus.Logger
	server *http.Server
	cfg    Config
}

// New builds the router and server.
func New(logger *logrus.Logger, cfg Config) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.MaxCKLSize <= 0 {
		cfg.MaxCKLSize = ckl.DefaultMaxSize
	}
	if cfg.MaxBenchmarkSize <= 0 {
		cfg.MaxBenchmarkSize = xccdf.DefaultLimits().MaxXMLSize
	}
	if cfg.Dependencies.Extractor == nil {
		cfg.Dependencies.Extractor = xccdf.NewExtractor(xccdf.DefaultLimits(), logger)
	}

	h := &handler{
		audits:    cfg.Dependencies.Audits,
		library:   cfg.Dependencies.Library,
		extractor: cfg.Dependencies.Extractor,
		cfg:       cfg,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", h.analyze)

		r.Get("/targets", h.listTargets)
		r.Post("/targets", h.createTarget)
		r.Route("/targets/{targetID}", func(r chi.Router) {
			r.Get("/", h.getTarget)
			r.Get("/assignments", h.listAssignments)
			r.Put("/assignments/{definitionID}", h.assign)
			r.Get("/audits", h.listTargetAudits)
			r.Post("/audits", h.startAudit)
			r.Post("/audit-all", h.startGroup)
			r.Post("/analyze-config", h.analyzeTargetConfig)
		})

		r.Get("/definitions", h.listDefinitions)
		r.Post("/definitions", h.createDefinition)
		r.Post("/definitions/import", h.importDefinition)

		r.Route("/audits/{jobID}", func(r chi.Router) {
			r.Get("/", h.getAudit)
			r.Post("/cancel", h.cancelAudit)
			r.Get("/results", h.auditResults)
			r.Get("/summary", h.auditSummary)
			r.Get("/report", h.auditReport)
		})
		r.Post("/results/{resultID}/comments", h.addComment)

		r.Get("/audit-groups/{groupID}", h.getGroup)
		r.Get("/audit-groups/{groupID}/summary", h.groupSummary)

		r.Get("/library", h.listLibrary)
		r.Get("/library/{benchmarkID}/rules", h.libraryRules)
		r.Post("/library/rescan", h.rescanLibrary)

		r.Post("/ckl/import", h.importCKL)
	})

	return &Server{
		router: router,
		logger: logger,
		cfg:    cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("Starting HTTP server")
		serverErrors <- s.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Graceful shutdown failed")
			return s.server.Close()
		}
	}
	return nil
}
