package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/accident-etl/internal/model"
)

// StatsFunc reports the counters of the run in progress, or nil when idle.
type StatsFunc func() *model.RunStats

// Pinger checks backing store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the /status response body.
type Status struct {
	Snapshot *MetricsSnapshot `json:"snapshot"`
	Live     *model.RunStats  `json:"live,omitempty"`
}

// Server exposes health, metrics and status endpoints while a run is active.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// ServerOptions wires the server to its data sources. Metrics, Collector and
// Live are optional; the matching endpoints degrade to empty answers.
type ServerOptions struct {
	Addr          string
	Store         Pinger
	Metrics       *Metrics
	Collector     *Collector
	Live          StatsFunc
	LookbackHours int
}

// NewServer builds the router for /healthz, /metrics and /status.
func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Store.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		var st Status
		if opts.Collector != nil {
			snap, err := opts.Collector.Collect(r.Context(), opts.LookbackHours)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			st.Snapshot = snap
		}
		if opts.Live != nil {
			st.Live = opts.Live()
		}
		writeJSON(w, http.StatusOK, st)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: zap.L().With(zap.String("component", "monitoring.server")),
	}
}

// Start serves in the background until Shutdown. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info("status server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server stopped", zap.Error(err))
		}
	}()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the router, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
