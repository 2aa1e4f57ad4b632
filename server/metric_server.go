// Package server provides the optional debug HTTP server (pprof, expvar,
// statsviz) and a background system metrics collector.
package server

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"

	"github.com/michael-trelinski/lookback/config"
)

// MetricsServer manages the HTTP server for metrics and debugging.
type MetricsServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewMetricsServer creates and configures a new HTTP server.
func NewMetricsServer(cfg *config.DebugConfig, logger *slog.Logger) *MetricsServer {
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
		mux.Handle("/debug/vars", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /debug/vars")

		_ = statsviz.Register(mux,
			statsviz.Root("/debug/statsviz"),
			statsviz.SendFrequency(250*time.Millisecond),
		)
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start starts the debug server. It's a blocking call.
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Debug server for metrics and pprof listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Debug server failed", "error", err)
		return fmt.Errorf("failed to start debug server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the debug server.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping debug server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
	} else {
		s.logger.Info("Debug server stopped gracefully.")
	}
}
