package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/event"
	"github.com/storyforge/eventbackbone/internal/domain/incident"
	"github.com/storyforge/eventbackbone/internal/infrastructure/broker"
	"github.com/storyforge/eventbackbone/internal/infrastructure/cache"
	"github.com/storyforge/eventbackbone/internal/infrastructure/config"
	"github.com/storyforge/eventbackbone/internal/infrastructure/database"
	"github.com/storyforge/eventbackbone/internal/infrastructure/telemetry"
	"github.com/storyforge/eventbackbone/internal/service/publisher"
	"github.com/storyforge/eventbackbone/internal/service/selfhealing"
	"github.com/storyforge/eventbackbone/internal/service/subscriber"
)

const eventSource = "org.storyforge.backbone"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "backbone: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting event backbone",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event store: Postgres when configured, in-memory otherwise
	var store event.Store
	var incidents incident.RecordStore
	if cfg.Database.URL != "" {
		db, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		pgStore, err := database.NewPostgresEventStore(ctx, db, logger)
		if err != nil {
			return fmt.Errorf("initializing event store: %w", err)
		}
		store = pgStore

		incidents, err = database.NewPostgresIncidentRepository(ctx, db, logger)
		if err != nil {
			return fmt.Errorf("initializing incident repository: %w", err)
		}
	} else {
		logger.Warn("no database configured, using in-memory event store")
		store = database.NewMemoryEventStore(logger)
		incidents = database.NewMemoryIncidentRepository()
	}

	// Redis backs the correlation cache and the healing rate limiter;
	// both degrade to local equivalents when unavailable.
	var correlationCache *cache.CorrelationCache
	limiter := cache.NewLocalRateLimiter()
	if cfg.Redis.URL != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable, using local fallbacks", zap.Error(err))
		} else {
			defer redisClient.Close()
			correlationCache = cache.NewCorrelationCache(redisClient, logger, 0)
			limiter = cache.NewRedisRateLimiter(redisClient, logger)
		}
	}

	b := broker.NewMemoryBroker(logger,
		broker.WithPublishRate(cfg.Broker.PublishRate, cfg.Broker.PublishRate*2))

	pubOpts := []publisher.Option{publisher.WithStore(store)}
	if correlationCache != nil {
		pubOpts = append(pubOpts, publisher.WithCorrelationCache(correlationCache))
	}
	pub, err := publisher.New(logger, b, eventSource, cfg.Publisher, pubOpts...)
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}

	sub, err := subscriber.New(logger, b, cfg.Subscriber)
	if err != nil {
		return fmt.Errorf("creating subscriber: %w", err)
	}
	defer sub.Close()

	controller := selfhealing.NewLoggingController(logger)
	healer := selfhealing.New(logger, cfg.SelfHealing, pub, controller, limiter, incidents)
	if cfg.SelfHealing.Enabled {
		if err := healer.Attach(ctx, sub); err != nil {
			return fmt.Errorf("attaching self-healing handler: %w", err)
		}
		logger.Info("self-healing enabled",
			zap.Int("autonomy_level", cfg.SelfHealing.AutonomyLevel),
			zap.Int("max_actions_per_hour", cfg.SelfHealing.MaxActionsPerHour))
	}

	health := pub.HealthCheck(ctx)
	if !health.Healthy {
		logger.Warn("publisher health check degraded",
			zap.Bool("broker", health.Broker),
			zap.Bool("store", health.Store))
	}

	logger.Info("event backbone ready",
		zap.String("bus", cfg.Broker.BusName))

	// Periodic retention cleanup
	go runCleanup(ctx, store, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	return nil
}

func runCleanup(ctx context.Context, store event.Store, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.Cleanup(ctx, database.DefaultRetentionDays)
			if err != nil {
				logger.Error("retention cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("retention cleanup completed", zap.Int64("deleted", deleted))
			}
		}
	}
}
