// Package adminserver provides the health check and metrics HTTP endpoint
// for the SSH daemon. It runs alongside the SSH listener on a separate
// address and is never reachable from the SSH protocol itself.
package adminserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider reports live daemon statistics for the /healthz endpoint.
type StatsProvider interface {
	IsRunning() bool
	Stats() Stats
}

// Stats is a snapshot of daemon activity.
type Stats struct {
	ActiveConnections int
	TotalConnections  int
	ActiveChannels    int
}

// Config controls the admin server's listen address and registry.
type Config struct {
	Address  string
	Registry prometheus.Gatherer

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves /healthz and /metrics.
type Server struct {
	cfg      Config
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer builds a Server. provider may be nil, in which case /healthz
// always reports unavailable.
func NewServer(cfg Config, provider StatsProvider) *Server {
	s := &Server{cfg: cfg, provider: provider}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start begins serving in the background. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the bound listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning reports whether the server has been started and not yet stopped.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"running":            true,
		"active_connections": stats.ActiveConnections,
		"total_connections":  stats.TotalConnections,
		"active_channels":    stats.ActiveChannels,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
