// Command engram-outbox drains deferred writes from the logbook outbox into
// OpenMemory. It runs either as a long-lived poller or as a one-shot drain
// suitable for cron.
//
// Exit codes: 0 clean drain, 1 dead-lettered rows or row errors, 2 startup
// failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory"
	"github.com/engramhq/engram/internal/outboxworker"
	"github.com/engramhq/engram/internal/telemetry"
	"github.com/engramhq/engram/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	once := flag.Bool("once", false, "drain the outbox and exit instead of polling")
	workers := flag.Int("workers", 0, "worker count override (default ENGRAM_WORKER_COUNT)")
	resetDead := flag.String("reset-dead", "", "comma-separated dead outbox ids to reset to pending (empty list with flag set resets all), then exit")
	flag.Parse()

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

	code, err := run(ctx, logger, *once, *workers, resetDeadRequested(), *resetDead)
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 2
	}
	return code
}

// resetDeadRequested reports whether --reset-dead appeared on the command
// line at all; an empty value means "reset every dead row".
func resetDeadRequested() bool {
	requested := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "reset-dead" {
			requested = true
		}
	})
	return requested
}

func run(ctx context.Context, logger *slog.Logger, once bool, workers int, doReset bool, resetIDs string) (int, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return 2, fmt.Errorf("load config: %w", err)
	}
	if workers > 0 {
		cfg.WorkerCount = workers
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, "engram-outbox", version, true)
	if err != nil {
		return 2, fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := logbook.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return 2, fmt.Errorf("logbook: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return 2, fmt.Errorf("migrations: %w", err)
	}

	memory := openmemory.New(cfg.OpenMemoryBaseURL, cfg.OpenMemoryAPIKey,
		cfg.OpenMemoryTimeout, cfg.OpenMemoryMaxClientRetries, logger)

	pool := outboxworker.New(db, memory, outboxworker.Config{
		ProjectKey:   cfg.ProjectKey,
		WorkerID:     cfg.WorkerID,
		Workers:      cfg.WorkerCount,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		LeaseSeconds: cfg.LeaseSeconds,
		PollInterval: cfg.PollInterval,
	}, logger)

	if doReset {
		ids, err := parseIDs(resetIDs)
		if err != nil {
			return 2, err
		}
		n, err := pool.ResetDead(ctx, ids)
		if err != nil {
			return 2, fmt.Errorf("reset dead: %w", err)
		}
		slog.Info("reset complete", "count", n)
		return 0, nil
	}

	if once {
		summary, err := pool.RunOnce(ctx)
		if err != nil {
			return 1, err
		}
		return summary.ExitCode(), nil
	}

	slog.Info("outbox worker starting",
		"version", version,
		"workers", cfg.WorkerCount,
		"poll_interval", cfg.PollInterval)
	if err := pool.Run(ctx); err != nil {
		return 1, err
	}
	slog.Info("outbox worker stopped")
	return 0, nil
}

func parseIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid outbox id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
