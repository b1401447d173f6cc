// Package status exposes a small JSON endpoint describing the agent
// and the commands it is currently running. Operators point
// monitoring at it; nothing in the dispatch core depends on it.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/spawn"
)

// RunSource lists the currently running spawned commands.
type RunSource interface {
	RunningCommands() []spawn.RunInfo
}

// Server serves the status endpoint.
type Server struct {
	hostname string
	source   RunSource
	logger   *slog.Logger

	listener net.Listener
	server   *http.Server
}

// NewServer creates a status server; Start binds it.
func NewServer(hostname string, source RunSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hostname: hostname, source: source, logger: logger}
}

// Start binds addr (host:port, empty host for all interfaces) and
// serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind status endpoint %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /{$}", s.handleStatus)

	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("status endpoint stopped", "error", err)
		}
	}()

	s.logger.Info("status endpoint listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the endpoint down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// statusDocument is the response payload.
type statusDocument struct {
	Name            string          `json:"name"`
	Uptime          string          `json:"uptime"`
	RunningCommands []spawn.RunInfo `json:"running_commands"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	doc := statusDocument{
		Name:            fmt.Sprintf("reeve %s on %s", buildinfo.Version, s.hostname),
		Uptime:          buildinfo.Uptime().String(),
		RunningCommands: s.source.RunningCommands(),
	}
	if doc.RunningCommands == nil {
		doc.RunningCommands = []spawn.RunInfo{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Debug("writing status response failed", "error", err)
	}
}
