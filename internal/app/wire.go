package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/dcavault/internal/blob/s3"
	"github.com/alanyoungcy/dcavault/internal/cache/redis"
	"github.com/alanyoungcy/dcavault/internal/config"
	"github.com/alanyoungcy/dcavault/internal/crypto"
	"github.com/alanyoungcy/dcavault/internal/custody"
	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/engine"
	"github.com/alanyoungcy/dcavault/internal/ledger"
	"github.com/alanyoungcy/dcavault/internal/notify"
	"github.com/alanyoungcy/dcavault/internal/platform/accessctl"
	"github.com/alanyoungcy/dcavault/internal/platform/genericswap"
	"github.com/alanyoungcy/dcavault/internal/platform/router"
	"github.com/alanyoungcy/dcavault/internal/service"
	"github.com/alanyoungcy/dcavault/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Infrastructure clients, exposed for health checks.
	PGClient    *postgres.Client
	RedisClient *redis.Client

	// Stores
	PositionStore domain.PositionStore
	FeeStore      domain.FeeStore
	PoolStore     domain.PoolStore
	AuditStore    *postgres.AuditStore
	DepositStore  domain.DepositStore

	// Caches
	PositionCache domain.PositionCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Chain custody and access control
	Bank  domain.Bank
	Roles domain.RoleChecker

	// Swap venues
	Generic domain.Venue
	Router  domain.Venue

	// Core components
	Verifier    *ledger.Verifier
	Engine      *engine.Engine
	PositionSvc *service.PositionService
	TreasurySvc *service.TreasuryService

	// Cold storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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
	deps.PGClient = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.FeeStore = postgres.NewFeeStore(pool)
	deps.PoolStore = postgres.NewPoolStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.DepositStore = postgres.NewDepositStore(pool)

	// --- Redis ---
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
	deps.RedisClient = redisClient

	deps.PositionCache = redis.NewPositionCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Chain custody ---
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.EVM.PrivateKey,
		EncryptedKeyPath: cfg.EVM.EncryptedKeyPath,
		KeyPassword:      cfg.EVM.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: pool key: %w", err)
	}

	ec, err := ethclient.DialContext(ctx, cfg.EVM.RPCURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: eth client: %w", err)
	}
	closers = append(closers, ec.Close)

	bank, err := custody.NewBank(ec, key, custody.Config{
		ChainID:      cfg.EVM.ChainID,
		WaitTimeout:  cfg.EVM.WaitTimeout.Duration,
		PollInterval: cfg.EVM.PollInterval.Duration,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: custody bank: %w", err)
	}
	deps.Bank = bank

	// --- Access control ---
	switch strings.ToLower(cfg.AccessCtl.Mode) {
	case "http":
		deps.Roles = accessctl.NewClient(cfg.AccessCtl.URL, cfg.AccessCtl.ApiKey, cfg.AccessCtl.CacheTTL.Duration)
	default:
		grants := make(map[string][]domain.Role, len(cfg.AccessCtl.Grants))
		for principal, roles := range cfg.AccessCtl.Grants {
			for _, r := range roles {
				grants[principal] = append(grants[principal], domain.Role(r))
			}
		}
		deps.Roles = accessctl.NewStatic(grants)
	}

	// --- Swap venues ---
	if cfg.Venues.Generic.Enabled {
		deps.Generic = genericswap.New(cfg.Venues.Generic.BaseURL, cfg.Venues.Generic.ApiKey)
	}
	if cfg.Venues.Router.Enabled {
		deps.Router = router.New(router.Config{
			BaseURL:       cfg.Venues.Router.BaseURL,
			APIKey:        cfg.Venues.Router.ApiKey,
			WrappedNative: domain.Asset(cfg.Venues.Router.WrappedNative),
			SlippageBps:   cfg.Venues.Router.SlippageBps,
			Deadline:      cfg.Venues.Router.Deadline.Duration,
		})
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

	// --- Core components ---
	deps.Verifier = ledger.NewVerifier(deps.PositionStore, deps.FeeStore, deps.PoolStore, logger)

	deps.Engine = engine.New(engine.Deps{
		Positions: deps.PositionStore,
		Pool:      deps.PoolStore,
		Bank:      deps.Bank,
		Locks:     deps.LockManager,
		Roles:     deps.Roles,
		Generic:   deps.Generic,
		Router:    deps.Router,
		Cache:     deps.PositionCache,
		Bus:       deps.SignalBus,
		Audit:     deps.AuditStore,
		Verifier:  deps.Verifier,
		Alerts:    deps.Notifier,
		Logger:    logger,
		LockTTL:   cfg.Engine.LockTTL.Duration,
	})

	deps.PositionSvc = service.NewPositionService(
		deps.PositionStore, deps.FeeStore, deps.PoolStore, deps.Bank,
		deps.DepositStore, deps.PositionCache, deps.SignalBus, deps.AuditStore,
		deps.Verifier, logger,
	)
	deps.TreasurySvc = service.NewTreasuryService(
		deps.FeeStore, deps.PoolStore, deps.Bank, deps.Roles,
		deps.SignalBus, deps.AuditStore, logger,
	)

	// --- S3 cold storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
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

		writer := s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(writer, deps.PositionStore, deps.AuditStore, deps.AuditStore)
	}

	return deps, cleanup, nil
}
