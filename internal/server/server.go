// Package server exposes the session manager over HTTP, Server-Sent Events
// and WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/termrun/internal/config"
	"github.com/michaelbrown/termrun/internal/limiter"
	"github.com/michaelbrown/termrun/internal/logging"
	"github.com/michaelbrown/termrun/internal/session"
	"github.com/michaelbrown/termrun/internal/storage"
)

// Server is the HTTP server for the termrun API.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	store    storage.Store // nil when run history is disabled
	limiter  *limiter.RateLimiter
	log      *logrus.Entry
	router   chi.Router
	http     *http.Server
}

// New creates a new Server. store may be nil.
func New(cfg *config.Config, sessions *session.Manager, store storage.Store) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		limiter:  limiter.NewRateLimiter(cfg.Limits),
		log:      logging.NewLogger("server"),
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.cfg.Server.AllowedOrigins))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.With(s.limiter.Middleware).Post("/run", s.handleRun)
			r.Post("/input/{id}", s.handleInput)

			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleEndSession)

			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)

			r.Get("/languages", s.handleLanguages)
		})

		// Streaming endpoints set their own content type.
		r.Get("/output/{id}", s.handleOutput)
		r.Get("/sessions/{id}/ws", s.handleAttach)
		r.With(s.limiter.Middleware).Get("/ws", s.handleTerminal)
	})
}

// RunMaintenance runs the idle-session sweeper and prunes rate limiter state
// until ctx is done.
func (s *Server) RunMaintenance(ctx context.Context) {
	go s.limiter.RunCleanup(ctx, 10*time.Minute)
	s.sessions.RunSweeper(ctx)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("termrun server starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown ends every session, which closes their streams, then stops the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.sessions.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("sessions did not all stop")
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}
