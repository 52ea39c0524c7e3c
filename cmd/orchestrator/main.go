// Command orchestrator runs the FlowOrchestrator Admission API server:
// it wires the Flow Validator, Execution Planner, Message Bus Adapter,
// Memory Store, Active Address Registry, Recovery Manager, and
// Telemetry Emitter into a single process and serves spec.md §6's
// HTTP surface.
//
// Grounded on the reference's cmd/helm/main.go: subsystem wiring in
// main, Lite-Mode-style fallback when no external store DSN is set, and
// signal-driven graceful shutdown. Health checks are served by the same
// HTTP server as the API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowkit/orchestrator/pkg/api"
	"github.com/flowkit/orchestrator/pkg/bus"
	"github.com/flowkit/orchestrator/pkg/config"
	"github.com/flowkit/orchestrator/pkg/memstore"
	"github.com/flowkit/orchestrator/pkg/orchestrator"
	"github.com/flowkit/orchestrator/pkg/planner"
	"github.com/flowkit/orchestrator/pkg/recovery"
	"github.com/flowkit/orchestrator/pkg/registry"
	"github.com/flowkit/orchestrator/pkg/telemetry"
	"github.com/flowkit/orchestrator/pkg/validator"
	"github.com/flowkit/orchestrator/pkg/versioncatalog"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres driver, selected by RECOVERY_BACKEND=postgres
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("flow-orchestrator starting")

	addrReg, err := buildRegistry(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init address registry: %v", err)
	}

	recStore, err := buildRecoveryStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init recovery store: %v", err)
	}

	catalog := versioncatalog.NewHTTPCatalog(cfg.VersionCatalogURL)
	v, err := validator.New(catalog)
	if err != nil {
		log.Fatalf("failed to init validator: %v", err)
	}

	p := planner.New(addrReg, recStore)

	broker := bus.NewInMemoryBroker()
	deadlineIdx := bus.NewInMemoryDeadlineIndex()
	adapter := bus.NewAdapter(broker, deadlineIdx, logger)
	defer adapter.Stop()

	store := memstore.New()

	emitter, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:  "flow-orchestrator",
		OTLPEndpoint: cfg.TelemetryOTLPEndpoint,
		SampleRate:   cfg.TelemetrySampleRate,
		Enabled:      cfg.TelemetryEnabled,
		BatchTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = emitter.Shutdown(shutdownCtx)
	}()

	orch := orchestrator.New(v, p, adapter, store, addrReg, recStore,
		orchestrator.WithEventSink(emitter),
	)

	recovered, err := orch.Recover(ctx)
	if err != nil {
		log.Fatalf("recovery manager startup replay failed: %v", err)
	}
	logger.Info("recovery manager startup replay complete", "executionsResumed", recovered)

	handlers := api.NewHandlers(orch)
	mux := http.NewServeMux()
	handlers.Routes(mux)

	var handler http.Handler = mux
	if cfg.JWTSigningKey != "" {
		handler = api.AuthMiddleware(api.NewJWTValidator(cfg.JWTSigningKey))(handler)
	} else {
		logger.Warn("JWT_SIGNING_KEY not set; Admission API is running without authentication")
	}
	handler = api.RequestLogger(handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("admission API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admission API server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func buildRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, error) {
	switch cfg.RegistryBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return registry.NewRedis(client, "flowkit:addr:"), nil
	case "memory", "":
		return registry.NewInMemory(), nil
	default:
		return nil, fmt.Errorf("unknown REGISTRY_BACKEND %q", cfg.RegistryBackend)
	}
}

func buildRecoveryStore(ctx context.Context, cfg *config.Config) (recovery.Store, error) {
	switch cfg.RecoveryBackend {
	case "postgres":
		return recovery.OpenPostgres(ctx, cfg.RecoveryDSN)
	case "sqlite":
		return recovery.OpenSQLite(ctx, cfg.RecoveryDSN)
	case "file", "":
		return recovery.NewFileStore(cfg.RecoveryDSN)
	default:
		return nil, fmt.Errorf("unknown RECOVERY_BACKEND %q", cfg.RecoveryBackend)
	}
}
