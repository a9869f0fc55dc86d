package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/insightops/internal/api"
	"github.com/lalith-99/insightops/internal/auth"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/config"
	"github.com/lalith-99/insightops/internal/db"
	"github.com/lalith-99/insightops/internal/enrich"
	"github.com/lalith-99/insightops/internal/events"
	"github.com/lalith-99/insightops/internal/ingest"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/queue"
	"github.com/lalith-99/insightops/internal/ratelimit"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/repository/memory"
	"github.com/lalith-99/insightops/internal/repository/postgres"
	"github.com/lalith-99/insightops/internal/snapshot"
	"github.com/lalith-99/insightops/internal/usage"
	"github.com/lalith-99/insightops/internal/webhook"
	"github.com/lalith-99/insightops/internal/worker"
	redis "github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.Role)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, ready, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := openRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	clk := clock.Real()
	metrics := observ.Default()

	var bus events.Bus = events.NewLocalBus()
	var locker ratelimit.Locker = ratelimit.NopLocker{}
	var limiter ratelimit.Limiter = ratelimit.AllowAll{}
	if rdb != nil {
		bus = events.NewRedisBus(rdb, logger)
		locker = ratelimit.NewRedisLocker(rdb)
		limiter = ratelimit.NewTenantLimiter(rdb, cfg.EnrichRate, cfg.EnrichBurst)
	}

	gate := ingest.NewGate(store, ingest.GateConfig{JobTypes: cfg.IngestJobTypes}, clk, metrics, logger)
	q := queue.New(store.Jobs, queue.Config{
		MaxRetries:        cfg.QueueMaxRetries,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		PollInterval:      cfg.QueuePollInterval,
		BaseBackoff:       cfg.QueueBaseBackoff,
		MaxBackoff:        cfg.QueueMaxBackoff,
	}, clk, metrics, logger)
	accountant := usage.NewAccountant(store.Workspaces, store.Usage, clk, metrics, logger)
	buffer := webhook.NewBuffer(store, gate, webhook.DefaultRegistry(), webhook.Config{
		MaxRetries: cfg.WebhookMaxRetries,
		BatchSize:  cfg.WebhookBatchSize,
	}, clk, metrics, logger)
	aggregator := snapshot.NewAggregator(store, bus, cfg.SnapshotTopIssues, clk, metrics, logger)

	sup := suture.New("insightops", suture.Spec{
		EventHook: supervisorHook(logger.Named("supervisor")),
		Timeout:   shutdownTimeout,
	})

	if cfg.RunsWorker() {
		enricher, err := newEnricher(cfg, metrics, logger)
		if err != nil {
			return err
		}
		sup.Add(worker.NewPool(worker.Deps{
			Queue:      q,
			Feedback:   store.Feedback,
			Workspaces: store.Workspaces,
			Accountant: accountant,
			Enricher:   enricher,
			Limiter:    limiter,
			Publisher:  bus,
			Clock:      clk,
			Metrics:    metrics,
			Logger:     logger,
		}, worker.Config{
			Concurrency: cfg.WorkerConcurrency,
			BatchSize:   cfg.WorkerBatchSize,
			JobTimeout:  cfg.EnrichTimeout,
		}))
		sup.Add(worker.NewReaper(q, cfg.ReaperInterval, logger))
		sup.Add(webhook.NewDrainer(buffer, cfg.WebhookDrainInterval, logger))
		sup.Add(snapshot.NewScheduler(aggregator, store, locker, cfg.SnapshotInterval, clk, logger))
	}

	if cfg.RunsAPI() {
		if cfg.Env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := api.NewRouter(api.RouterConfig{JWTSecret: cfg.JWTSecret, Ready: ready}, api.Handlers{
			Feedback:  api.NewFeedbackHandler(gate, store.Feedback, worker.NewRequeuer(store.Feedback, q, cfg.IngestJobTypes), clk, logger),
			Webhooks:  api.NewWebhookHandler(buffer, logger),
			Snapshots: api.NewSnapshotHandler(aggregator, store.Snapshots, clk, logger),
			Usage:     api.NewUsageHandler(accountant, store.Workspaces, clk, logger),
			Events:    api.NewEventsHandler(bus, nil, logger),
		}, logger)
		sup.Add(api.NewServer(":"+cfg.Port, router, shutdownTimeout))
	}

	logger.Info("starting InsightOps",
		zap.String("role", cfg.Role),
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Bool("redis", rdb != nil),
		zap.Bool("remote_enricher", cfg.EnrichURL != ""),
	)

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// openStore selects the backend from the DSN scheme: memory:// keeps
// everything in process, anything else is handed to pgx.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*repository.Store, func(context.Context) error, func(), error) {
	if strings.HasPrefix(cfg.DatabaseURL, "memory://") {
		if cfg.Env == "production" {
			return nil, nil, nil, errors.New("memory:// store is not allowed in production")
		}
		if cfg.Role != config.RoleAll {
			return nil, nil, nil, errors.New("memory:// store needs ROLE=all: api and worker must share the process")
		}
		store := memory.NewStore()
		if err := seedDevWorkspace(ctx, store, cfg.JWTSecret, logger); err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	database, err := db.New(connectCtx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return postgres.NewStore(database.Pool()), database.Health, database.Close, nil
}

// seedDevWorkspace gives a fresh in-memory store one unlimited workspace and
// logs a token for it.
func seedDevWorkspace(ctx context.Context, store *repository.Store, secret string, logger *zap.Logger) error {
	plan, err := store.Workspaces.CreatePlan(ctx, &models.SubscriptionPlan{Name: "dev"})
	if err != nil {
		return fmt.Errorf("seed plan: %w", err)
	}
	ws, err := store.Workspaces.Create(ctx, &models.Workspace{Name: "dev", Slug: "dev", SubscriptionPlanID: &plan.ID})
	if err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	}
	token, err := auth.GenerateToken(ws.ID, "dev", secret, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("seed token: %w", err)
	}
	logger.Info("seeded in-memory workspace",
		zap.String("workspace_id", ws.ID.String()),
		zap.String("token", token),
	)
	return nil
}

// openRedis returns nil, nil when url is empty.
func openRedis(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connection established", zap.String("addr", opts.Addr))
	return client, nil
}

// newEnricher picks the remote enricher behind a circuit breaker when
// ENRICH_URL is set, the lexicon otherwise.
func newEnricher(cfg *config.Config, metrics *observ.Metrics, logger *zap.Logger) (enrich.Enricher, error) {
	if cfg.EnrichURL == "" {
		logger.Warn("ENRICH_URL not set, using the built-in lexicon enricher")
		return enrich.Lexicon{}, nil
	}
	client, err := enrich.NewHTTPClient(enrich.HTTPClientOptions{
		URL:     cfg.EnrichURL,
		Token:   cfg.EnrichToken,
		Timeout: cfg.EnrichTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create enricher: %w", err)
	}
	return enrich.NewBreaker(client, enrich.BreakerConfig{
		Name:                "enricher",
		ConsecutiveFailures: cfg.BreakerFailures,
		Timeout:             cfg.BreakerTimeout,
	}, metrics, logger), nil
}

func supervisorHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := make([]zap.Field, 0, 4)
		for k, v := range e.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			logger.Error(e.String(), fields...)
		default:
			logger.Warn(e.String(), fields...)
		}
	}
}
