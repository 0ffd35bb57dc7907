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

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowmesh/control-plane/internal/auth"
	"github.com/flowmesh/control-plane/internal/config"
	"github.com/flowmesh/control-plane/internal/gateway"
	"github.com/flowmesh/control-plane/internal/gateway/transport"
	"github.com/flowmesh/control-plane/internal/httpapi"
	"github.com/flowmesh/control-plane/internal/log"
	"github.com/flowmesh/control-plane/internal/orchestrator"
	"github.com/flowmesh/control-plane/internal/registry"
	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/tracing"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the control plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(cfg.Log.ToLogConfig())

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store backend: %w", err)
	}
	defer backend.Close()

	otelProvider, err := tracing.NewOTelProvider("flowmesh-control-plane", version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", log.Error(err))
		}
	}()

	auditQueue := newAuditQueue(backend, logger, otelProvider.MetricsCollector())
	defer auditQueue.Close()

	reg := registry.New(backend)
	reg.SetPackageCatalog(newPackageCatalog(cfg.Catalog))
	catalogue := gateway.NewCatalogue(cfg.Dispatch.MaxHeartbeatAge())

	authCfg := auth.Config{Secret: []byte(cfg.Session.Secret)}
	allowlist := auth.NewWorkerTokenAllowlist(cfg.WorkerAuth.WorkerTokens()...)

	gw := gateway.NewGateway(gateway.Config{
		WindowSize:        cfg.Session.WindowSize,
		HeartbeatInterval: cfg.Session.HeartbeatInterval(),
		ResumeGrace:       cfg.Session.ResumeGrace(),
		ResumeTokenTTL:    cfg.Session.TokenTTL(),
		Auth:              authCfg,
		Allowlist:         allowlist,
	}, catalogue, nil, logger)

	orch := orchestrator.New(reg, catalogue, gw,
		orchestrator.WithStrategy(orchestrator.Strategy(cfg.Dispatch.Strategy)),
		orchestrator.WithBackoff(orchestrator.Backoff{
			Base:        cfg.Dispatch.BackoffBase(),
			Max:         cfg.Dispatch.BackoffMax(),
			MaxAttempts: cfg.Dispatch.MaxAttempts,
		}),
		orchestrator.WithAckTimeout(cfg.Dispatch.AckTimeout()),
		orchestrator.WithMetrics(otelProvider.MetricsCollector()),
		orchestrator.WithLogger(logger),
	)
	gw.SetResultApplier(orch)
	reg.SetOnReady(orch.OnRunReady)

	hub := httpapi.NewEventHub(1000)
	mux := httpapi.NewMux(reg, gw, hub, logger)
	mux.HandleFunc("GET /v1/workers/connect", newWorkerUpgradeHandler(gw))
	mux.Handle("GET /metrics", otelProvider.MetricsHandler())

	httpServer := httpapi.NewServer(cfg.Server.Listen, tracing.CorrelationMiddleware(mux), logger)

	gw.Start()
	defer gw.Stop()
	orch.Start()
	defer orch.Stop()

	serveCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Start(serveCtx) }()

	logger.Info("control plane started", log.String("addr", cfg.Server.Listen))

	select {
	case <-serveCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server exited", log.Error(err))
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// newWorkerUpgradeHandler upgrades an incoming HTTP connection to a
// websocket and hands it to the gateway's session handshake. The
// handshake runs in its own goroutine per connection; Accept returns
// once the session is running, whose own loops then serve the
// connection.
func newWorkerUpgradeHandler(gw *gateway.Gateway) http.HandlerFunc {
	upgrader := transport.NewUpgrader()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			if err := gw.Accept(context.Background(), transport.NewWebSocketConn(conn)); err != nil {
				conn.Close()
			}
		}()
	}
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Kind {
	case config.StoreMemory, "":
		return memoryBackend(), nil
	case config.StoreSQLite:
		return sqliteBackend(cfg.Path)
	case config.StorePostgres:
		return postgresBackend(ctx, cfg.DSN)
	default:
		return nil, errors.New("config: unknown store kind " + string(cfg.Kind))
	}
}
