package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/flasharb/internal/blob/s3"
	"github.com/alanyoungcy/flasharb/internal/cache/memory"
	"github.com/alanyoungcy/flasharb/internal/cache/redis"
	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/notify"
	"github.com/alanyoungcy/flasharb/internal/queue/kafka"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	storemem "github.com/alanyoungcy/flasharb/internal/store/memory"
	"github.com/alanyoungcy/flasharb/internal/store/postgres"
	"github.com/alanyoungcy/flasharb/internal/store/sqlite"
)

const (
	streamMaxLen = 10_000

	// minSnapshotTTL keeps published snapshots readable across a few missed
	// polls.
	minSnapshotTTL = 30 * time.Second
)

// Dependencies bundles the infrastructure the engine runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	LedgerStore domain.LedgerStore
	NonceStore  domain.NonceStore
	AuditStore  domain.AuditStore

	// Caches
	SnapshotCache domain.SnapshotCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Archive and outcome stream; nil when disabled.
	Archiver  domain.Archiver
	Publisher domain.OutcomePublisher

	// Notifier is nil when no channel is configured.
	Notifier *notify.Notifier

	// Checks probes every external dependency for /health.
	Checks map[string]handler.Check
}

// Wire constructs the concrete infrastructure selected by cfg and returns it
// together with a cleanup function that releases it in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Ledger backend ---
	switch cfg.Ledger.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.LedgerStore = postgres.NewLedgerStore(pool)
		deps.NonceStore = postgres.NewNonceStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping

	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.LedgerStore = sqlite.NewLedgerStore(db)
		deps.NonceStore = sqlite.NewNonceStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.Checks["sqlite"] = db.Ping

	case "memory":
		logger.Warn("ledger backend is in-memory; outcomes are lost on exit")
		deps.LedgerStore = storemem.NewLedgerStore()
		deps.NonceStore = storemem.NewNonceStore()
		deps.AuditStore = storemem.NewAuditStore()

	default:
		return nil, nil, fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend)
	}

	// --- Redis, or the in-process stand-ins ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SnapshotCache = redis.NewSnapshotCache(redisClient, snapshotTTL(cfg))
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Chain.RPCRateLimit, time.Second)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.Info("redis not configured, using in-process bus and lock")
		deps.SnapshotCache = memory.NewSnapshotCache()
		deps.RateLimiter = memory.NewRateLimiter(cfg.Chain.RPCRateLimit, time.Second)
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewBus()
	}

	// --- S3 ledger archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewLedgerArchiver(
			deps.LedgerStore,
			deps.AuditStore,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Kafka outcome stream ---
	if cfg.Kafka.Enabled {
		if cfg.Kafka.EnsureTopic {
			if err := kafka.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, 0); err != nil {
				logger.Warn("kafka topic check failed, publishing anyway",
					slog.String("topic", cfg.Kafka.Topic),
					slog.String("error", err.Error()),
				)
			}
		}
		pub := kafka.NewPublisher(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("kafka publisher close failed", slog.String("error", err.Error()))
			}
		})
		deps.Publisher = pub
	}

	// --- Notifications ---
	deps.Notifier = notify.FromConfig(cfg.Notify, logger)
	if deps.Notifier == nil {
		logger.Info("no notification channel configured")
	}

	return deps, cleanup, nil
}

// snapshotTTL outlives several poll intervals.
func snapshotTTL(cfg *config.Config) time.Duration {
	ttl := 10 * cfg.Monitor.PollInterval.Duration
	if ttl < minSnapshotTTL {
		return minSnapshotTTL
	}
	return ttl
}
