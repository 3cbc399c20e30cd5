// Package server hosts the debug HTTP endpoints of a replicator process.
package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/arl/statsviz"
)

// StatusSource reports the replication state served on /replication/status.
// session.Manager implements it.
type StatusSource interface {
	Statuses() map[core.Session]core.ReplicationStatus
	IsLeader() bool
}

// SessionStatus is one session in the /replication/status response.
type SessionStatus struct {
	Session string                 `json:"session"`
	Status  core.ReplicationStatus `json:"status"`
}

// StatusResponse is the body of /replication/status.
type StatusResponse struct {
	Leader   bool            `json:"leader"`
	Sessions []SessionStatus `json:"sessions"`
}

// MetricsServer manages the HTTP server for metrics and debugging.
type MetricsServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewMetricsServer creates and configures a new HTTP server. status may be nil.
func NewMetricsServer(cfg *config.DebugConfig, status StatusSource, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mux := http.NewServeMux()
	logger = logger.With("component", "MetricsServer")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
		if cfg.MonitorUIEnabled {
			if err := statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			); err != nil {
				logger.Warn("Failed to register statsviz", "error", err)
			} else {
				logger.Info("Runtime monitor UI is available at /viz")
			}
		}
	}
	if status != nil {
		mux.HandleFunc("/replication/status", handleStatus(status, logger))
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":6061"
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func handleStatus(src StatusSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		statuses := src.Statuses()
		resp := StatusResponse{Leader: src.IsLeader(), Sessions: make([]SessionStatus, 0, len(statuses))}
		for s, st := range statuses {
			resp.Sessions = append(resp.Sessions, SessionStatus{Session: s.String(), Status: st})
		}
		sort.Slice(resp.Sessions, func(i, j int) bool { return resp.Sessions[i].Session < resp.Sessions[j].Session })

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("Failed to write replication status", "error", err)
		}
	}
}

// Handler returns the mux of the server.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the Metrics server. It's a blocking call.
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Metrics server for metrics and pprof listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", "error", err)
		return fmt.Errorf("failed to start Metrics server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the Metrics server.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping Metrics server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", "error", err)
	} else {
		s.logger.Info("Metrics server stopped gracefully.")
	}
}
