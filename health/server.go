package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/metric"
)

// Server exposes the operational endpoints:
//
//	GET /healthz  — liveness, always 200 while the process runs
//	GET /readyz   — readiness, 503 unless every component is healthy
//	GET /metrics  — Prometheus scrape endpoint
type Server struct {
	monitor *Monitor
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer creates the operational HTTP server on the given address.
func NewServer(addr string, monitor *Monitor, metrics *metric.Registry, logger *slog.Logger) (*Server, error) {
	if monitor == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "HealthServer", "NewServer", "monitor validation")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		monitor: monitor,
		logger:  logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	if metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Prometheus(), promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves in the background until Stop.
func (s *Server) Start(_ context.Context) error {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server terminated", "error", err)
		}
	}()
	s.logger.Info("serving operational endpoints", "addr", s.httpSrv.Addr)
	return nil
}

// Stop shuts the server down gracefully within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "HealthServer", "Stop", "http shutdown")
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "ok")
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	aggregate := s.monitor.Aggregate()
	body := struct {
		State      State             `json:"state"`
		Components map[string]Status `json:"components"`
	}{
		State:      aggregate,
		Components: s.monitor.All(),
	}

	w.Header().Set("Content-Type", "application/json")
	if aggregate == StateUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("readiness response encoding failed", "error", err)
	}
}
