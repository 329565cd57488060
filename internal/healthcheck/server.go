// Copyright (C) 2025 Confhall, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves Kubernetes-style health endpoints on a
// sidecar port: /livez and /healthz report the process state, /readyz
// additionally runs registered dependency probes.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks one dependency. A nil error means the dependency is usable.
type Probe func(ctx context.Context) error

type Response struct {
	Healthy bool              `json:"healthy"`
	Probes  map[string]string `json:"probes,omitempty"`
}

type Server struct {
	port    int
	healthy atomic.Bool
	ready   atomic.Bool

	mu     sync.Mutex
	probes map[string]Probe

	server *http.Server
}

func NewServer(port int) *Server {
	if port == 0 {
		port = 8090
	}
	s := &Server{
		port:   port,
		probes: map[string]Probe{},
	}
	// Alive until something marks the process unhealthy; readiness is
	// what gates startup.
	s.healthy.Store(true)
	return s
}

func (s *Server) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	slog.Debug("Ready status updated", slog.Bool("ready", ready))
}

// AddProbe registers a named readiness probe. All probes must pass, along
// with the base ready flag, for /readyz to report ready.
func (s *Server) AddProbe(name string, p Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = p
}

func (s *Server) runProbes(ctx context.Context) map[string]string {
	s.mu.Lock()
	probes := make(map[string]Probe, len(s.probes))
	for name, p := range s.probes {
		probes[name] = p
	}
	s.mu.Unlock()

	results := make(map[string]string, len(probes))
	for name, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p(pctx); err != nil {
			results[name] = err.Error()
		} else {
			results[name] = "ok"
		}
		cancel()
	}
	return results
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	slog.Info("Starting health check server", slog.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, Response{Healthy: s.healthy.Load()})
}

func (s *Server) livezHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, Response{Healthy: s.healthy.Load()})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	results := s.runProbes(r.Context())
	ready := s.ready.Load()
	for _, v := range results {
		if v != "ok" {
			ready = false
		}
	}
	writeResponse(w, Response{Healthy: ready, Probes: results})
}
