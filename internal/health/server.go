package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
)

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	monitor *Monitor
	hosts   *hostmetrics.Registry
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, hosts *hostmetrics.Registry, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		hosts:   hosts,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/hosts", s.handleHosts)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	response := map[string]string{"status": string(report.SystemStatus)}
	w.Header().Set("Content-Type", "application/json")

	if report.SystemStatus == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	snaps := s.hosts.Metrics()
	if service := r.URL.Query().Get("service"); service != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.ServiceName == service {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	if snaps == nil {
		snaps = []hostmetrics.Snapshot{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}
