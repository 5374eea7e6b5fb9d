package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/observability"
)

// Server exposes the facade over HTTP: /status for the aggregate JSON view,
// /healthz for liveness and /metrics in Prometheus text format.
type Server struct {
	facade   *Facade
	monitor  *observability.HealthMonitor
	exporter *observability.PrometheusExporter
	srv      *http.Server
}

// NewServer wires the facade, health monitor and metric registry onto one
// HTTP listener.
func NewServer(port int, facade *Facade, monitor *observability.HealthMonitor, registry *observability.Registry) *Server {
	s := &Server{
		facade:   facade,
		monitor:  monitor,
		exporter: observability.NewPrometheusExporter(registry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.exporter)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run in its own goroutine.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("status: http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.monitor.Check(r.Context())

	code := http.StatusOK
	if health.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("status: response encode failed")
	}
}
