// Command engram runs the Gateway: the MCP front-end between coding agents
// and the shared memory service, with the logbook as its audit spine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/engramhq/engram/internal/artifact"
	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/gateway"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory"
	"github.com/engramhq/engram/internal/ratelimit"
	"github.com/engramhq/engram/internal/rpc"
	"github.com/engramhq/engram/internal/telemetry"
	"github.com/engramhq/engram/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ENGRAM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("engram gateway starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := logbook.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("logbook: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	memory := openmemory.New(cfg.OpenMemoryBaseURL, cfg.OpenMemoryAPIKey,
		cfg.OpenMemoryTimeout, cfg.OpenMemoryMaxClientRetries, logger)
	if err := memory.Healthy(ctx); err != nil {
		// The gateway degrades to the outbox when OpenMemory is down, so a
		// failed probe is a warning, not a startup failure.
		logger.Warn("openmemory health probe failed", "error", err)
	}

	var artifacts artifact.Store
	if cfg.ArtifactDir != "" {
		store, err := artifact.NewDirStore(cfg.ArtifactDir)
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		artifacts = store
		logger.Info("artifact store ready", "dir", cfg.ArtifactDir)
	} else {
		logger.Info("artifact store disabled (no ENGRAM_ARTIFACT_DIR)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	handlers := gateway.NewHandlers(gateway.Container{
		Config:    cfg,
		Logbook:   db,
		Memory:    memory,
		Artifacts: artifacts,
		Logger:    logger,
	})

	srv, err := rpc.NewServer(rpc.ServerConfig{
		Handlers:            handlers,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AuthTokens:          cfg.AuthTokens,
		RateLimiter:         limiter,
		Version:             version,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("engram gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("engram gateway stopped")
	return nil
}
