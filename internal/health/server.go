// Package health serves the HTTP status endpoints next to the bot.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Stats supplies the live numbers for the status endpoint.
type Stats interface {
	Sessions() int
	Latency() time.Duration
}

// Server exposes liveness and status over HTTP.
type Server struct {
	addr    string
	stats   Stats
	logger  zerolog.Logger
	started time.Time
	srv     *http.Server
}

func NewServer(addr string, stats Stats, logger zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		stats:   stats,
		logger:  logger.With().Str("component", "health").Logger(),
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/ping", s.handlePing)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Health server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "running",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"sessions":   s.stats.Sessions(),
		"latency_ms": s.stats.Latency().Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}
