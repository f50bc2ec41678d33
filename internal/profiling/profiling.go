// Package profiling provides a pprof server for debugging.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/util"
)

// Server provides pprof profiling endpoints on a private listener
type Server struct {
	cfg      *config.ProfilingConfig
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new profiling server
func NewServer(cfg *config.ProfilingConfig) *Server {
	return &Server{
		cfg: cfg,
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"} {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	return mux
}

// Start binds the listener and serves in the background. Bind errors are
// returned immediately.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("profiling listen on %s: %w", s.cfg.Bind, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           newMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("pprof profiling server listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("Profiling server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down the profiling server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	util.Info("Stopping profiling server")
	return s.server.Shutdown(ctx)
}
