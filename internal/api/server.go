// Package api serves audit events over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/auditkit/auditkit/internal/audit"
	"github.com/auditkit/auditkit/internal/query"
	"github.com/auditkit/auditkit/pkg/config"
	"github.com/auditkit/auditkit/pkg/logging"
	"github.com/auditkit/auditkit/pkg/metrics"
	"github.com/auditkit/auditkit/pkg/model"
)

// Recorder accepts events for the POST endpoint. *audit.Writer implements it.
type Recorder interface {
	Record(ctx context.Context, e *model.Event) error
	Health() audit.Health
}

// Server is the audit HTTP server.
type Server struct {
	cfg        config.ServerConfig
	recorder   Recorder
	engine     *query.Engine
	metrics    *metrics.Registry
	log        *logging.Logger
	router     chi.Router
	httpServer *http.Server
}

// New builds the server and its routes. recorder may be nil for a read-only
// server; metrics may be nil to leave /metrics unmounted.
func New(cfg config.ServerConfig, recorder Recorder, engine *query.Engine, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		recorder: recorder,
		engine:   engine,
		metrics:  reg,
		log:      logging.Global().WithFields(map[string]any{"component": "api"}),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	RegisterRoutes(r, s.recorder, s.engine)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request", map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.log.Info("audit server listening", map[string]any{"addr": s.cfg.Addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
