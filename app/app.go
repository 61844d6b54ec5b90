// Package app assembles the services shared by the API and worker binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"toolshare/auth"
	"toolshare/closure"
	"toolshare/config"
	"toolshare/db"
	"toolshare/dispute"
	"toolshare/notify"
	"toolshare/observability"
	"toolshare/outbox"
	"toolshare/payment"
	"toolshare/worker"
)

type App struct {
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Closures *closure.Service
	Disputes *dispute.Service
	Auth     *auth.Service
	Relay    *outbox.Relay
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	cfg      *config.Config
	closers  []io.Closer
}

// New connects to PostgreSQL (and Redis when REDIS_URL is set) and wires the
// closure workflow. Without Redis, velocity is counted in PostgreSQL and
// notifications are dropped.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("app: policy: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			_ = rdb.Close()
			return nil, fmt.Errorf("app: ping redis: %w", err)
		}
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	events := outbox.NewWriter()

	var velocity closure.VelocityLimiter
	if rdb != nil {
		velocity = closure.NewRedisVelocity(rdb, policy)
	}

	closures := closure.NewService(closure.Deps{
		Pool:     pool,
		Refunder: payment.NewService(payment.NewRepository(), events, logger),
		Notifier: notify.NewPublisher(rdb),
		Velocity: velocity,
		Events:   events,
		Metrics:  metrics,
		Policy:   policy,
		Logger:   logger,
	})

	var closers []io.Closer
	publisher := outbox.Publisher(outbox.NewLoggingPublisher(logger))
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, nil)
		if err != nil {
			logger.WarnContext(ctx, "kafka publisher disabled, using logging publisher", slog.Any("error", err))
		} else {
			publisher = kafkaPublisher
			closers = append(closers, kafkaPublisher)
		}
	}
	relay := outbox.NewRelay(pool, nil, publisher, outbox.RelayOptions{
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Logger:      logger,
	})

	logger.Info("services ready",
		slog.Bool("redis", rdb != nil),
		slog.Int("kafka_brokers", len(cfg.KafkaBrokers)),
		slog.String("max_mutual_closure_amount", policy.MaxMutualClosureAmount.String()),
		slog.Bool("override_settles", policy.OverrideSettles),
	)

	return &App{
		Pool:     pool,
		Redis:    rdb,
		Closures: closures,
		Disputes: dispute.NewService(pool, nil),
		Auth:     auth.NewService(auth.NewRepository(pool), cfg.JWTSecret),
		Relay:    relay,
		Metrics:  metrics,
		Logger:   logger,
		cfg:      cfg,
		closers:  closers,
	}, nil
}

// Runner returns the sweep runner, including the outbox relay, configured from
// the app settings.
func (a *App) Runner() *worker.Runner {
	return worker.NewRunner(a.Closures, worker.Config{
		ExpiryInterval:   a.cfg.ExpirySweepInterval,
		ReminderInterval: a.cfg.ReminderSweepInterval,
		RelayInterval:    a.cfg.OutboxPollInterval,
	}, a.Metrics, a.Logger).WithRelay(a.Relay)
}

func (a *App) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Pool.Close()
}

// InitTracing installs the tracer provider for service from the TRACING_* settings.
func InitTracing(ctx context.Context, cfg *config.Config, service string) (func(context.Context) error, error) {
	return observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  service,
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TracingSampleRatio,
	})
}
