package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/marketledger/internal/blob/s3"
	"github.com/alanyoungcy/marketledger/internal/cache/redis"
	"github.com/alanyoungcy/marketledger/internal/config"
	"github.com/alanyoungcy/marketledger/internal/crypto"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/store/postgres"
	"github.com/alanyoungcy/marketledger/internal/transfer"
	"github.com/alanyoungcy/marketledger/internal/transfer/eth"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	AuditStore  domain.AuditStore
	OutboxStore domain.TransferOutboxStore

	// Caches
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Settlement rail. Scheduler is what the service sees; Outbox is the
	// same object when durable dispatch is wired, nil in dev mode.
	Scheduler domain.TransferScheduler
	Outbox    *transfer.Outbox

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter
	Archiver    *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that require a database connection.
func needsPostgres(mode string) bool {
	switch mode {
	case "server", "archive", "full":
		return true
	default:
		return false
	}
}

// needsRedis returns true for modes that require the cache/event backend.
func needsRedis(mode string) bool {
	switch mode {
	case "server", "archive", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that run the archival sweep.
func needsS3(cfg *config.Config, mode string) bool {
	if !cfg.Archive.Enabled {
		return false
	}
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Dev mode is wired separately in
// DevMode and never reaches here.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
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
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.OutboxStore = postgres.NewTransferOutboxStore(pool)
	}

	// --- Redis ---
	if needsRedis(cfg.Mode) {
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

		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Settlement rail ---
	rail, err := buildRail(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if c, ok := rail.(interface{ Close() }); ok {
		closers = append(closers, c.Close)
	}
	if deps.OutboxStore != nil {
		outbox := transfer.NewOutboxWithInterval(
			deps.OutboxStore, rail, deps.Notifier, logger,
			cfg.Transfer.DispatchInterval.Duration,
		)
		deps.Outbox = outbox
		deps.Scheduler = outbox
	} else {
		deps.Scheduler = rail
	}

	// --- S3 blob storage ---
	if needsS3(cfg, cfg.Mode) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader // same type implements BlobDeleter
		deps.Archiver = s3blob.NewArchiver(
			deps.MarketStore,
			deps.BlobWriter,
			deps.BlobReader,
			deps.AuditStore,
			s3blob.ArchiverConfig{
				Retention: cfg.Archive.Retention.Duration,
				Interval:  cfg.Archive.SweepInterval.Duration,
				BatchSize: cfg.Archive.BatchSize,
			},
			logger,
		)
	}

	return deps, cleanup, nil
}

// buildRail selects the concrete payout rail. An Ethereum sender is used when
// an RPC URL is configured; otherwise payouts are logged only.
func buildRail(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.TransferScheduler, error) {
	if cfg.Chain.RPCURL == "" {
		logger.Warn("wire: no chain rpc_url configured, transfers are dry-run")
		return transfer.NewLogScheduler(logger), nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Chain.PrivateKey,
		EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
		KeyPassword:      cfg.Chain.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: chain key: %w", err)
	}

	sender, err := eth.NewSender(ctx, cfg.Chain.RPCURL, key, logger)
	if err != nil {
		return nil, fmt.Errorf("wire: eth sender: %w", err)
	}
	return sender, nil
}
