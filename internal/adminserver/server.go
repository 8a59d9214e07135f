// Package adminserver exposes the exchange's observability surface:
// liveness, Prometheus metrics, and a debug extension listing. Nothing
// here can mutate exchange state — all routes are read-only.
package adminserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbxsim/pbx/internal/metrics"
	"github.com/pbxsim/pbx/internal/pbxregistry"
)

// Server holds the admin HTTP handler dependencies and chi router.
type Server struct {
	router *chi.Mux
	pbx    *pbxregistry.PBX
	logger *slog.Logger
}

// New creates the admin HTTP handler with collector registered against
// a private Prometheus registry and all routes mounted.
func New(pbx *pbxregistry.PBX, collector *metrics.Collector, logger *slog.Logger) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	s := &Server{
		router: chi.NewRouter(),
		pbx:    pbx,
		logger: logger,
	}

	s.routes(reg)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(reg *prometheus.Registry) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.structuredLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/debug/extensions", s.handleDebugExtensions)
}

// structuredLogger logs each admin request using log/slog, recording
// the request ID chi's RequestID middleware attaches to the context.
func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("admin request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"registered_extensions": s.pbx.Count(),
	})
}

func (s *Server) handleDebugExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pbx.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
