package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/config"
	"github.com/ashita-ai/hibiki/internal/delivery"
	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/internalaction"
	"github.com/ashita-ai/hibiki/internal/mcp"
	"github.com/ashita-ai/hibiki/internal/memstore"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/server"
	"github.com/ashita-ai/hibiki/internal/spawner"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/telemetry"
	"github.com/ashita-ai/hibiki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// backend is what both storage implementations provide.
type backend interface {
	engine.Store
	delivery.Store
	server.Store
	internalaction.NoteStore
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("HIBIKI_LOG_LEVEL")))); err != nil {
		level = slog.LevelInfo
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
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hibiki starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var store backend
	var db *storage.DB
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("storage: in-memory, state is lost on restart")
		store = memstore.New()
	default:
		db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(ctx)

		// RunMigrations tracks applied files in schema_migrations, so an
		// error here is a real failure.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = db
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var spawn engine.TaskSpawner
	if cfg.AgentRunnerURL != "" {
		spawn = spawner.NewHTTP(spawner.Config{
			RunnerURL: cfg.AgentRunnerURL,
			BaseURL:   cfg.BaseURL,
			Secret:    cfg.WebhookSecret,
		}, jwtMgr, logger)
		logger.Info("agent runner: enabled", "url", cfg.AgentRunnerURL)
	} else {
		spawn = spawner.NewLog(logger)
		logger.Info("agent runner: disabled (no HIBIKI_AGENT_RUNNER_URL)")
	}

	broker := server.NewBroker(logger)
	tracker := engine.NewTracker(store, store, logger)
	tracker.OnFinish(broker.Publish)

	deliverySvc := delivery.NewService(store, tracker, delivery.Config{Timeout: cfg.WebhookTimeout}, logger)
	deliveryWorker := delivery.NewWorker(deliverySvc, store, logger, cfg.DeliveryPollInterval, cfg.DeliveryBatchSize, cfg.DeliveryQueueSize)
	deliveryWorker.Start(ctx)

	if db != nil && db.HasNotifyConn() {
		go deliveryNotifyLoop(ctx, db, deliveryWorker, logger)
	}

	eng := engine.New(store, tracker, engine.Deps{
		Deliveries: deliveryWorker,
		Spawner:    spawn,
		Actions:    internalaction.NewDefault(store, logger),
	}, engine.Config{
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		SweepInterval:    cfg.SweepInterval,
		StallTimeout:     cfg.RunStallTimeout,
		ScheduleInterval: cfg.ScheduleInterval,
		RunCeiling:       cfg.RunCeiling,
		RunCeilingWindow: cfg.RunCeilingWindow,
		Executor: engine.ExecutorConfig{
			DefaultMaxSteps:      cfg.DefaultMaxSteps,
			DefaultWebhookSecret: cfg.WebhookSecret,
			AllowPrivateWebhooks: cfg.AllowPrivateWebhooks,
		},
	}, logger)
	eng.Start(ctx)

	mcpSrv := mcp.New(eng, store, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("hook rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("hook rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Store:               store,
		JWTMgr:              jwtMgr,
		Broker:              broker,
		Logger:              logger,
		HookLimiter:         limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StorageKind:         cfg.Storage,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

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

	// Each phase gets its own budget. Order: stop taking requests, let
	// in-flight runs finish (they may enqueue deliveries), then drain
	// the delivery worker.
	slog.Info("hibiki shutting down")
	phase := cfg.ShutdownTimeout / 3

	httpCtx, httpCancel := context.WithTimeout(context.Background(), phase)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	engCtx, engCancel := context.WithTimeout(context.Background(), phase)
	eng.Drain(engCtx)
	engCancel()

	delCtx, delCancel := context.WithTimeout(context.Background(), phase)
	deliveryWorker.Drain(delCtx)
	delCancel()

	slog.Info("hibiki stopped")
	return nil
}

// deliveryNotifyLoop wakes the delivery worker whenever another instance
// creates a delivery. Wait errors are retried until ctx ends.
func deliveryNotifyLoop(ctx context.Context, db *storage.DB, worker *delivery.Worker, logger *slog.Logger) {
	if err := db.Listen(ctx, storage.ChannelDeliveries); err != nil {
		logger.Warn("delivery notify: listen failed, relying on polling", "error", err)
		return
	}
	for {
		_, _, err := db.WaitForNotification(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("delivery notify: wait failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		worker.Wake()
	}
}
