// Package httpapi exposes the supervisor's operational surface:
// liveness, a status snapshot, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/queue"
)

// StatusProvider supplies the point-in-time controller snapshot.
type StatusProvider interface {
	GetStatus() queue.Status
}

// Server wraps the stdlib HTTP server with the supervisor's routes.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New builds the server bound to addr.
func New(addr string, status StatusProvider, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status.GetStatus()); err != nil {
			logger.Warn("Failed to encode status", zap.Error(err))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
