// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/flowmesh/control-plane/internal/gateway"
	"github.com/flowmesh/control-plane/internal/log"
	"github.com/flowmesh/control-plane/internal/registry"
)

// Version is filled in by the build (see cmd/control-plane).
var Version = "dev"

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

type versionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

var startTime = time.Now()

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Checks:    map[string]string{"api": "ok", "runtime": runtime.Version()},
	})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	})
}

// NewMux builds the complete routed handler: health, version, events,
// runs, and workers, each registered by its own handler type.
func NewMux(reg *registry.Registry, gw *gateway.Gateway, hub *EventHub, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", handleHealth)
	mux.HandleFunc("GET /v1/version", handleVersion)

	NewEventsHandler(hub).RegisterRoutes(mux)
	NewRunsHandler(reg, hub, logger).RegisterRoutes(mux)
	NewWorkersHandler(gw, logger).RegisterRoutes(mux)
	return mux
}

// Server manages the lifecycle of the control plane's HTTP server,
// grounded on the teacher's publicapi.Server (serve-in-goroutine with
// an errCh, graceful Shutdown with keep-alives disabled first).
type Server struct {
	addr   string
	logger *slog.Logger
	server *http.Server

	mu sync.RWMutex
	ln net.Listener
}

// NewServer constructs a Server listening on addr once Start is called.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Server{
		addr:   addr,
		logger: logger,
		server: &http.Server{
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE streams can run indefinitely
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or
// the server stops on its own with an error.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("control plane API listening", log.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains in-flight requests before closing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("httpapi shutdown error", log.Error(err))
		return err
	}
	return nil
}

// Addr returns the listener's bound address, empty until Start runs.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
