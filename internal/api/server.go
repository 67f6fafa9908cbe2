package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/recallstack/engram/internal/config"
	"github.com/recallstack/engram/internal/engine"
)

// Server ties the handlers, middleware, activity feed, and maintenance loop
// together into one HTTP daemon.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	hub    *Hub
	http   *http.Server
}

// NewServer builds the daemon around an engine.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	hub := NewHub()
	s := &Server{cfg: cfg, engine: eng, hub: hub}

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Hub returns the activity-feed hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) buildHandler() http.Handler {
	h := NewHandlers(s.engine, s.hub)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/memories", h.StoreMemory)
	mux.HandleFunc("GET /api/memories", h.ListMemories)
	mux.HandleFunc("DELETE /api/memories/{id}", h.DeleteMemory)
	mux.HandleFunc("POST /api/memories/search", h.SearchMemories)
	mux.HandleFunc("POST /api/memories/search-all", h.SearchAllScopes)
	mux.HandleFunc("POST /api/maintenance/decay", h.RunMaintenance)
	mux.HandleFunc("GET /api/stats", h.GetStats)
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rl := NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst)

	var handler http.Handler = mux
	handler = RequireAuth(handler, s.cfg)
	handler = RateLimitMiddleware(handler, rl)
	handler = SecurityHeaders(handler)
	return handler
}

// Run starts the hub, the maintenance loop, and the HTTP listener, then
// blocks until ctx is cancelled and the server has drained.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()
	defer s.hub.Stop()

	if s.cfg.Maintenance.Interval > 0 {
		go s.maintenanceLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("engram listening on %s (storage: %s, embedding: %s)",
			s.cfg.Addr(), s.cfg.Storage.Engine, s.cfg.Embedding.Provider)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// maintenanceLoop runs decay persistence and pruning on the configured
// interval until ctx is cancelled.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := s.engine.RunMaintenance(ctx)
			if err != nil {
				log.Printf("ERROR: scheduled maintenance failed: %v", err)
				continue
			}
			s.hub.Broadcast(Event{
				Type:  "maintenance.completed",
				Count: result.Persisted + result.Pruned,
			})
		case <-ctx.Done():
			return
		}
	}
}
