package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tidybot/publisher/internal/config"
	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/publish"
	"github.com/tidybot/publisher/internal/ratelimit"
	"github.com/tidybot/publisher/internal/server"
	"github.com/tidybot/publisher/internal/storage"
	"github.com/tidybot/publisher/internal/telemetry"
	"github.com/tidybot/publisher/internal/worker"
	"github.com/tidybot/publisher/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("PUBLISHER_LOG_LEVEL") == "debug" {
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

	slog.Info("publisher starting", "version", version, "port", cfg.Port,
		"interval", cfg.Interval, "dry_run", cfg.DryRun)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply the schema.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.Meter("publisher"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Per-maintainer proposal rate limiter.
	var limiter ratelimit.Limiter
	switch {
	case cfg.SlowStart:
		// The absolute cap is optional in slow-start mode.
		limiter = ratelimit.NewSlowStart(cfg.MaxOpenProposals)
		logger.Info("proposal rate limiting: slow start", "max", cfg.MaxOpenProposals)
	case cfg.MaxOpenProposals <= 0:
		limiter = ratelimit.Noop{}
		logger.Info("proposal rate limiting: disabled")
	default:
		limiter = ratelimit.NewFixedCap(cfg.MaxOpenProposals)
		logger.Info("proposal rate limiting: fixed cap", "max", cfg.MaxOpenProposals)
	}

	var forgeClient forge.Client
	if cfg.ForgeGatewayURL != "" {
		forgeClient = forge.NewGateway(cfg.ForgeGatewayURL, nil)
	} else {
		logger.Warn("no forge gateway configured, proposal reconciliation disabled")
	}

	topics := publish.NewTopics(db, logger)
	workerClient := worker.New(cfg.WorkerURL, nil)

	exec := publish.NewExecutor(db, workerClient, limiter, topics, metrics, logger,
		publish.ExecutorConfig{
			ExternalURL:       cfg.ExternalURL,
			DifferURL:         cfg.DifferURL,
			DerivedOwner:      cfg.DerivedOwner,
			RequireBinaryDiff: cfg.RequireBinaryDiff,
			DryRun:            cfg.DryRun,
		})
	scanner := publish.NewScanner(exec, publish.ScannerConfig{
		ReviewedOnly: cfg.ReviewedOnly,
		PushLimit:    cfg.PushLimit,
		BackoffBase:  cfg.BackoffBase,
	}, logger)

	// A single pending-publish pass, for cron-style operation.
	if cfg.Once {
		return scanner.PublishPending(ctx)
	}

	var reconciler *publish.Reconciler
	if forgeClient != nil {
		reconciler = publish.NewReconciler(exec, forgeClient, publish.ReconcilerConfig{
			ModifyLimit: cfg.ModifyLimit,
			RetryWindow: cfg.RetryWindow,
		}, logger)
	}

	sshKeys, err := loadSSHKeys(cfg.SSHKeyDir)
	if err != nil {
		logger.Warn("loading ssh keys failed", "dir", cfg.SSHKeyDir, "error", err)
	}
	pgpKeys, err := loadPGPKeys(cfg.PGPKeyFile)
	if err != nil {
		logger.Warn("loading pgp keys failed", "file", cfg.PGPKeyFile, "error", err)
	}

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	srv := server.New(server.ServerConfig{
		DB:           db,
		Executor:     exec,
		Reconciler:   reconciler,
		Scanner:      scanner,
		Forge:        forgeClient,
		Broker:       broker,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
		SSHKeys:      sshKeys,
		PGPKeys:      pgpKeys,
	})

	g, gctx := errgroup.WithContext(ctx)

	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}

	if reconciler != nil {
		loop := publish.NewLoop(reconciler, scanner, cfg.Interval, logger)
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}

	// The runner result stream triggers immediate publishing; with
	// reviewed-only publishing every run waits for review instead.
	if cfg.RunnerURL != "" && !cfg.ReviewedOnly {
		listener := publish.NewListener(exec, cfg.RunnerURL, logger)
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("publisher stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadSSHKeys reads every *.pub file in dir, one key per line.
func loadSSHKeys(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.pub"))
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return keys, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				keys = append(keys, line)
			}
		}
	}
	return keys, nil
}

// loadPGPKeys reads an armored public key file as a single blob.
func loadPGPKeys(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}
