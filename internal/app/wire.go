package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/auctionengine/internal/blob/s3"
	"github.com/alanyoungcy/auctionengine/internal/broker/rabbitmq"
	"github.com/alanyoungcy/auctionengine/internal/cache/redis"
	"github.com/alanyoungcy/auctionengine/internal/config"
	"github.com/alanyoungcy/auctionengine/internal/domain"
	"github.com/alanyoungcy/auctionengine/internal/notify"
	"github.com/alanyoungcy/auctionengine/internal/platform/payment"
	"github.com/alanyoungcy/auctionengine/internal/server/handler"
	"github.com/alanyoungcy/auctionengine/internal/store/memory"
	"github.com/alanyoungcy/auctionengine/internal/store/postgres"
)

// Dependencies bundles the infrastructure the run modes build on. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional collaborators are nil when their backend is not configured.
type Dependencies struct {
	// Stores
	Auctions domain.AuctionStore
	Events   domain.EventStore
	Watches  domain.WatchStore
	Audit    domain.AuditStore

	// Redis
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	Snapshots   domain.SnapshotCache
	RateLimiter domain.RateLimiter

	// Event outlets, payment hand-off and archival
	Outlets  []domain.Broadcaster
	Payments domain.PaymentCapturer
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// Checks feed GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Durable store ---
	switch cfg.Store.Driver {
	case "memory":
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		mem := memory.New()
		deps.Auctions, deps.Events, deps.Watches, deps.Audit = mem, mem, mem, mem
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Auctions = postgres.NewAuctionStore(pool)
		deps.Events = postgres.NewEventStore(pool)
		deps.Watches = postgres.NewWatchStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
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
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.SignalBus = bus
		deps.Snapshots = redis.NewSnapshotCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Engine.DistributedLock {
			deps.LockManager = redis.NewLockManager(redisClient)
		}
		deps.Outlets = append(deps.Outlets, redis.NewBroadcaster(bus))
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- RabbitMQ ---
	var publisher *rabbitmq.Publisher
	if cfg.RabbitMQ.Enabled {
		pub, err := rabbitmq.Dial(rabbitmq.Config{URL: cfg.RabbitMQ.URL, Exchange: cfg.RabbitMQ.Exchange})
		if err != nil {
			return fail("rabbitmq", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		publisher = pub
		deps.Outlets = append(deps.Outlets, rabbitmq.NewBroadcaster(pub))
	}

	// --- Payment capture ---
	switch cfg.Payment.Driver {
	case "http":
		deps.Payments = payment.NewHTTPCapturer(payment.HTTPConfig{
			BaseURL:   cfg.Payment.BaseURL,
			APIKey:    cfg.Payment.APIKey,
			APISecret: cfg.Payment.APISecret,
			Timeout:   cfg.Payment.Timeout.Duration,
		})
	case "amqp":
		if publisher == nil {
			return fail("payment", fmt.Errorf("driver amqp needs rabbitmq.enabled"))
		}
		deps.Payments = payment.NewAMQPCapturer(publisher, cfg.Payment.Queue)
	}

	// --- S3 archival ---
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
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Auctions,
			deps.Events,
			deps.Audit,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIBase,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
