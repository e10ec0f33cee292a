// Package api serves the local status and metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/config"
	"github.com/shizukutanaka/Karite/internal/monitoring"
)

// Status is the snapshot served at /api/v1/status.
type Status struct {
	Version      string            `json:"version"`
	Kernel       string            `json:"kernel"`
	Height       uint64            `json:"height"`
	Scoop        uint32            `json:"scoop"`
	BaseTarget   uint64            `json:"baseTarget"`
	Scanning     bool              `json:"scanning"`
	CapacityGiB  uint64            `json:"capacityGib"`
	PlotFiles    int               `json:"plotFiles"`
	BestDeadline map[string]uint64 `json:"bestDeadlines"` // account id -> adjusted deadline
}

// StatusFunc supplies the current engine status.
type StatusFunc func() Status

// Server is the read-only HTTP surface of the miner.
type Server struct {
	logger *zap.Logger
	server *http.Server
}

// NewServer wires the router. status supplies /api/v1/status, metrics
// backs /metrics.
func NewServer(logger *zap.Logger, cfg config.APIConfig, status StatusFunc, metrics *monitoring.Metrics) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, status())
	}).Methods(http.MethodGet)
	v1.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
