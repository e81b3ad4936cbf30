package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openmercato/payments/internal/eventbus"
	"github.com/openmercato/payments/internal/infrastructure/config"
	"github.com/openmercato/payments/internal/infrastructure/observability"
	infraRedis "github.com/openmercato/payments/internal/infrastructure/redis"
	"github.com/openmercato/payments/internal/repository/postgres"
)

// App holds the shared infrastructure every binary needs: config, logger,
// connections and the event bus. Binaries wire their own use cases on top.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Bus     *eventbus.Bus
	Metrics *observability.Metrics

	tracerShutdown func(context.Context) error
}

// New loads configuration and connects to PostgreSQL and Redis, then builds
// the event bus on top of Redis Streams.
func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Str("instance", cfg.InstanceID).Msg("Starting")

	var tracerShutdown func(context.Context) error
	if cfg.Observability.EnableTracing {
		tracerShutdown, err = observability.InitTracer(serviceName, cfg.InstanceID, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
			tracerShutdown = nil
		} else {
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	transport := infraRedis.NewTransport(redisClient, infraRedis.TransportOptions{
		Consumer:      cfg.InstanceID,
		StreamMaxLen:  cfg.Bus.StreamMaxLen,
		BatchSize:     cfg.Bus.BatchSize,
		BlockDuration: cfg.Bus.BlockDuration,
	}, observability.ComponentLogger(logger, "transport"))

	bus := eventbus.New(transport, cfg.Bus.SourceService,
		eventbus.WithRetryPolicy(eventbus.RetryPolicy{
			MaxRetries: cfg.Bus.MaxRetries,
			BaseDelay:  cfg.Bus.RetryBaseDelay,
			Factor:     cfg.Bus.RetryFactor,
		}),
		eventbus.WithLogger(observability.ComponentLogger(logger, "eventbus")),
		eventbus.WithMetrics(metrics),
	)

	return &App{
		Config:         cfg,
		Logger:         logger,
		Pool:           pool,
		Redis:          redisClient,
		Bus:            bus,
		Metrics:        metrics,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Close releases everything in reverse acquisition order.
func (a *App) Close() {
	if err := a.Bus.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event bus close")
	}
	a.Redis.Close()
	a.Pool.Close()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(context.Background()); err != nil {
			a.Logger.Warn().Err(err).Msg("Tracer shutdown")
		}
	}
}
