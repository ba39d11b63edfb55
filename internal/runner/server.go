package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
	"github.com/cswartzvi/prefect/internal/metrics"
)

// ServerConfig configures the runner's operational HTTP surface.
type ServerConfig struct {
	Host string
	Port int
	// HealthThreshold is the maximum age of the last successful poll
	// before the runner reports unhealthy. Must exceed the worst-case poll
	// duration or the endpoint produces false positives.
	HealthThreshold time.Duration
}

// Server exposes the runner's liveness, metrics, and recent run journal.
type Server struct {
	cfg     ServerConfig
	runner  *Runner
	journal core.Journal
	metrics *metrics.RunnerMetrics
	logger  *logging.Logger

	httpServer *http.Server
}

// NewServer creates the runner API server. journal and m may be nil; the
// corresponding endpoints are then omitted or empty.
func NewServer(cfg ServerConfig, r *Runner, j core.Journal, m *metrics.RunnerMetrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		cfg:     cfg,
		runner:  r,
		journal: j,
		metrics: m,
		logger:  logger,
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/runs", s.handleRuns)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

// Start binds the listener and serves in the background. A port that
// cannot be bound is fatal to the process, so the bind happens here
// synchronously.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding runner API on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("runner API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("runner API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status     string     `json:"status"`
	LastPolled *time.Time `json:"last_polled,omitempty"`
}

// handleHealth reports liveness derived from the poll heartbeat: 200 when
// the last successful poll is within the threshold, 503 otherwise. Not
// latched; a fresh poll flips it straight back to healthy.
func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{Status: "healthy"}
	code := http.StatusOK

	hb := s.runner.Heartbeat()
	if last, ok := hb.LastPoll(); ok {
		resp.LastPolled = &last
	}
	if !hb.Healthy(s.cfg.HealthThreshold) {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, resp)
}

// handleRuns returns the most recent journal entries, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, req *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := s.journal.Recent(req.Context(), limit)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal query failed"})
		return
	}
	if records == nil {
		records = []core.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}
