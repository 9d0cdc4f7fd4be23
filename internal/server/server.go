package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/loopline/internal/config"
	"github.com/lazypower/loopline/internal/engine"
	"github.com/lazypower/loopline/internal/store"
)

// Server is the loopline HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	cfg     config.Config
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server with the given store, engine, config, and
// version string.
func New(db *store.DB, eng *engine.Engine, cfg config.Config, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		cfg:     cfg,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Write surface
		r.Post("/loops/resolve", s.handleResolveOrCreate)
		r.Post("/loops/dismiss-topic", s.handleDismissByTopic)
		r.Post("/loops/{loopID}/surfaced", s.handleMarkSurfaced)
		r.Post("/loops/{loopID}/resolve", s.handleResolveLoop)
		r.Post("/loops/{loopID}/dismiss", s.handleDismissLoop)

		// Read surface
		r.Get("/loops", s.handleGetActiveLoops)
		r.Get("/loops/next", s.handleTopLoop)
		r.Post("/select", s.handleSelect)
		r.Get("/stats", s.handleStats)

		// Maintenance
		r.Post("/cleanup", s.handleCleanup)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}
