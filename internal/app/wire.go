package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/predictify/internal/blob/s3"
	"github.com/alanyoungcy/predictify/internal/cache/redis"
	"github.com/alanyoungcy/predictify/internal/config"
	"github.com/alanyoungcy/predictify/internal/crypto"
	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
	"github.com/alanyoungcy/predictify/internal/metrics"
	"github.com/alanyoungcy/predictify/internal/notify"
	"github.com/alanyoungcy/predictify/internal/platform/ledger"
	"github.com/alanyoungcy/predictify/internal/relay"
	"github.com/alanyoungcy/predictify/internal/retry"
	"github.com/alanyoungcy/predictify/internal/service"
	"github.com/alanyoungcy/predictify/internal/store/postgres"
)

// Dependencies bundles everything the run modes and CLI commands need. It is
// built by Wire and torn down by the cleanup function Wire returns.
type Dependencies struct {
	Postgres *postgres.Client
	Store    domain.Store

	Redis       *redis.Client
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	LiveCache   domain.LiveStateCache
	Bus         domain.SignalBus

	// Blob storage is nil when no bucket is configured.
	Blobs      *s3blob.Client
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Ledger *ledger.Gateway
	Relay  *relay.Signer

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Events   *events.Publisher

	InitLocks  *service.InitLockManager
	Markets    *service.MarketService
	Sync       *service.SyncService
	Settlement *service.SettlementService
	Votes      *service.VoteService
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay.Duration,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay.Duration,
	}
}

// Wire constructs every concrete dependency from cfg. On error everything
// already opened is closed before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pg.Close)
	if cfg.Database.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	deps.Postgres = pg
	deps.Store = pg.Store()

	// --- Redis ---
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.Redis = rc
	deps.Locks = redis.NewLockManager(rc)
	deps.RateLimiter = redis.NewRateLimiter(rc)
	deps.LiveCache = redis.NewLiveStateCache(rc, cfg.Redis.LiveStateTTL.Duration)
	deps.Bus = redis.NewSignalBus(rc)

	// --- S3 settlement archive (optional) ---
	if cfg.S3.Enabled() {
		bc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			KeyPrefix:      cfg.S3.KeyPrefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Blobs = bc
		deps.BlobWriter = s3blob.NewWriter(bc)
		deps.BlobReader = s3blob.NewReader(bc)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, "")
		if err != nil {
			return fail("telegram", err)
		}
		senders = append(senders, tg)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Ledger gateway and relay ---
	gw, err := ledger.Dial(ctx, ledger.Config{
		RPCURL:              cfg.Chain.RPCURL,
		ContractAddress:     cfg.Chain.ContractAddress,
		ChainID:             cfg.Chain.ChainID,
		StakeDecimals:       cfg.Chain.StakeDecimals,
		NativeDecimals:      cfg.Chain.NativeDecimals,
		RequestsPerSecond:   cfg.Chain.RequestsPerSecond,
		Burst:               cfg.Chain.Burst,
		CallTimeout:         cfg.Chain.CallTimeout.Duration,
		GasLimit:            cfg.Chain.GasLimit,
		ReceiptTimeout:      cfg.Chain.ReceiptTimeout.Duration,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval.Duration,
	}, logger)
	if err != nil {
		return fail("ledger", err)
	}
	closers = append(closers, gw.Close)
	deps.Ledger = gw

	var key ledger.Signer
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    cfg.Relay.PrivateKey,
		EncryptedKeyPath: cfg.Relay.EncryptedKeyPath,
		KeyPassword:      cfg.Relay.KeyPassword,
	}
	hexKey, err := crypto.LoadKey(keyCfg)
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		logger.WarnContext(ctx, "wire: no relay key configured, market initialization is disabled")
	case err != nil:
		return fail("relay key", err)
	default:
		s, err := crypto.NewSigner(hexKey, cfg.Chain.ChainID)
		if err != nil {
			return fail("relay signer", err)
		}
		key = s
	}

	deps.Relay = relay.NewSigner(gw, key, deps.Locks, deps.Notifier, deps.Metrics, relay.Config{
		MinBalance:    cfg.Relay.MinBalance,
		GasBuffer:     cfg.Relay.GasBuffer,
		SubmitLockTTL: cfg.Relay.SubmitLockTTL.Duration,
		Retry:         retryPolicy(cfg.Retry),
	}, logger)

	// --- Services ---
	deps.Events = events.NewPublisher(deps.Bus, logger)
	deps.InitLocks = service.NewInitLockManager(deps.Store, cfg.Lifecycle.InitLockLease.Duration, deps.Metrics, logger)

	deps.Markets = service.NewMarketService(
		deps.Store, deps.Relay, gw, deps.LiveCache, deps.InitLocks, deps.Events,
		deps.Notifier, deps.Metrics,
		service.LifecycleConfig{
			InitTimeout:     cfg.Lifecycle.InitTimeout.Duration,
			TxTimeout:       cfg.Lifecycle.TxTimeout.Duration,
			ActivationRetry: retryPolicy(cfg.Retry),
			LiveConcurrency: cfg.Lifecycle.LiveConcurrency,
		},
		logger,
	)
	deps.Sync = service.NewSyncService(
		deps.Store, gw, deps.LiveCache, deps.Events, deps.Metrics,
		cfg.Lifecycle.TxTimeout.Duration, cfg.Sync.Concurrency, logger,
	)
	deps.Settlement = service.NewSettlementService(
		deps.Store, deps.Relay, deps.BlobWriter, deps.BlobReader, deps.Events,
		deps.Notifier, deps.Metrics,
		service.SettlementConfig{
			TxTimeout:    cfg.Lifecycle.TxTimeout.Duration,
			ChainTimeout: cfg.Lifecycle.ChainTimeout.Duration,
			Precision:    cfg.Lifecycle.RewardPrecision,
		},
		logger,
	)
	deps.Votes = service.NewVoteService(deps.Store, deps.Events, cfg.Lifecycle.TxTimeout.Duration, logger)

	return deps, cleanup, nil
}
