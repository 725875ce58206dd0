// Package api provides the HTTP admin API for the fleet daemon.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundmesh/fleet/internal/api/handlers"
	"github.com/soundmesh/fleet/internal/api/middleware"
	"github.com/soundmesh/fleet/internal/fleet"
	"github.com/soundmesh/fleet/internal/store"
	"github.com/soundmesh/fleet/pkg/config"
)

// Version is the daemon version, set at build time using ldflags.
var Version = "dev"

// Server is the HTTP admin API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	fleet      *fleet.Fleet
	store      store.Store
	config     *config.Config
	logger     *slog.Logger
}

// NewServer creates the API server with the given dependencies.
func NewServer(cfg *config.Config, f *fleet.Fleet, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		fleet:  f,
		store:  st,
		config: cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		nodeHandler := handlers.NewNodeHandler(s.fleet.Registry(), s.store.NodeConfigs(), s.logger)
		routePlannerHandler := handlers.NewRoutePlannerHandler(s.fleet, s.logger)
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", nodeHandler.List)
			r.Post("/", nodeHandler.Create)
			r.Get("/best", nodeHandler.Best)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Get("/", nodeHandler.Get)
				r.Delete("/", nodeHandler.Delete)
				r.Put("/disabled-sources", nodeHandler.DisableSources)
				r.Get("/routeplanner", routePlannerHandler.Status)
				r.Post("/routeplanner/free", routePlannerHandler.Free)
			})
		})

		trackHandler := handlers.NewTrackHandler(s.fleet, s.logger)
		r.Route("/tracks", func(r chi.Router) {
			r.Get("/", trackHandler.Load)
			r.Post("/decode", trackHandler.Decode)
		})

		playerHandler := handlers.NewPlayerHandler(s.fleet.Players(), s.logger)
		r.Route("/players", func(r chi.Router) {
			r.Get("/", playerHandler.List)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Post("/move", playerHandler.Move)
				r.Delete("/", playerHandler.Remove)
			})
		})

		supervisorHandler := handlers.NewSupervisorHandler(s.fleet.Supervisor(), s.logger)
		r.Route("/supervisor", func(r chi.Router) {
			r.Get("/", supervisorHandler.Status)
			r.Post("/restart", supervisorHandler.Restart)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	available := len(s.fleet.Registry().AvailableNodes())
	status := http.StatusOK
	state := "healthy"
	if available == 0 {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	handlers.WriteJSON(w, status, map[string]any{
		"status":          state,
		"version":         Version,
		"nodes_available": available,
	})
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Name implements shutdown.Component.
func (s *Server) Name() string { return "api-server" }

// Shutdown drains and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
