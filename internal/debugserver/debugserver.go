// Package debugserver exposes an optional HTTP endpoint for pprof and a
// statsviz runtime-metrics page, gated by config.DebugConfig.
package debugserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"

	"github.com/nexusreplica/replapplier/config"
)

// Server manages the debug HTTP listener.
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
}

// New builds a debug Server from cfg. Handlers are registered eagerly but
// nothing is listened on until Start is called.
func New(cfg config.DebugConfig, logger *slog.Logger) *Server {
	logger = logger.With("component", "debugserver")
	mux := http.NewServeMux()

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if cfg.MonitorUIEnabled {
		_ = statsviz.Register(mux,
			statsviz.Root("/debug/statsviz"),
			statsviz.SendFrequency(250*time.Millisecond),
		)
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start listens and serves until Stop is called. It's a blocking call
// intended to run in its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("debug server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the debug server.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("debug server shutdown failed", "err", err)
	}
}
