package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DCAVAULT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DCAVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── EVM ──
	setStr(&cfg.EVM.RPCURL, "DCAVAULT_EVM_RPC_URL")
	setInt64(&cfg.EVM.ChainID, "DCAVAULT_EVM_CHAIN_ID")
	setStr(&cfg.EVM.PrivateKey, "DCAVAULT_EVM_PRIVATE_KEY")
	setStr(&cfg.EVM.EncryptedKeyPath, "DCAVAULT_EVM_ENCRYPTED_KEY_PATH")
	setStr(&cfg.EVM.KeyPassword, "DCAVAULT_EVM_KEY_PASSWORD")
	setDuration(&cfg.EVM.WaitTimeout, "DCAVAULT_EVM_WAIT_TIMEOUT")
	setDuration(&cfg.EVM.PollInterval, "DCAVAULT_EVM_POLL_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DCAVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DCAVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DCAVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DCAVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DCAVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DCAVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DCAVAULT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DCAVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DCAVAULT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DCAVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DCAVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DCAVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DCAVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DCAVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DCAVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DCAVAULT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DCAVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DCAVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "DCAVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DCAVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DCAVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DCAVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DCAVAULT_S3_FORCE_PATH_STYLE")

	// ── Venues ──
	setBool(&cfg.Venues.Generic.Enabled, "DCAVAULT_VENUES_GENERIC_ENABLED")
	setStr(&cfg.Venues.Generic.BaseURL, "DCAVAULT_VENUES_GENERIC_BASE_URL")
	setStr(&cfg.Venues.Generic.ApiKey, "DCAVAULT_VENUES_GENERIC_API_KEY")
	setBool(&cfg.Venues.Router.Enabled, "DCAVAULT_VENUES_ROUTER_ENABLED")
	setStr(&cfg.Venues.Router.BaseURL, "DCAVAULT_VENUES_ROUTER_BASE_URL")
	setStr(&cfg.Venues.Router.ApiKey, "DCAVAULT_VENUES_ROUTER_API_KEY")
	setStr(&cfg.Venues.Router.WrappedNative, "DCAVAULT_VENUES_ROUTER_WRAPPED_NATIVE")
	setInt64(&cfg.Venues.Router.SlippageBps, "DCAVAULT_VENUES_ROUTER_SLIPPAGE_BPS")
	setDuration(&cfg.Venues.Router.Deadline, "DCAVAULT_VENUES_ROUTER_DEADLINE")

	// ── Access control ──
	setStr(&cfg.AccessCtl.Mode, "DCAVAULT_ACCESSCTL_MODE")
	setStr(&cfg.AccessCtl.URL, "DCAVAULT_ACCESSCTL_URL")
	setStr(&cfg.AccessCtl.ApiKey, "DCAVAULT_ACCESSCTL_API_KEY")
	setDuration(&cfg.AccessCtl.CacheTTL, "DCAVAULT_ACCESSCTL_CACHE_TTL")

	// ── Engine ──
	setDuration(&cfg.Engine.LockTTL, "DCAVAULT_ENGINE_LOCK_TTL")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.ScanInterval, "DCAVAULT_SCHEDULER_SCAN_INTERVAL")
	setInt(&cfg.Scheduler.BatchLimit, "DCAVAULT_SCHEDULER_BATCH_LIMIT")
	setInt(&cfg.Scheduler.Workers, "DCAVAULT_SCHEDULER_WORKERS")
	setStr(&cfg.Scheduler.Principal, "DCAVAULT_SCHEDULER_PRINCIPAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DCAVAULT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "DCAVAULT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "DCAVAULT_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DCAVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DCAVAULT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DCAVAULT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "DCAVAULT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DCAVAULT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DCAVAULT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DCAVAULT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DCAVAULT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DCAVAULT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DCAVAULT_MODE")
	setStr(&cfg.LogLevel, "DCAVAULT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
