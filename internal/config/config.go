// Package config defines the top-level configuration for the DCA vault
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DCAVAULT_* environment variables.
type Config struct {
	EVM       EVMConfig       `toml:"evm"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Venues    VenuesConfig    `toml:"venues"`
	AccessCtl AccessCtlConfig `toml:"accessctl"`
	Engine    EngineConfig    `toml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EVMConfig holds chain connectivity and pool wallet credentials.
type EVMConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	WaitTimeout      duration `toml:"wait_timeout"`
	PollInterval     duration `toml:"poll_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VenuesConfig selects and configures the external swap venues.
type VenuesConfig struct {
	Generic GenericVenueConfig `toml:"generic"`
	Router  RouterVenueConfig  `toml:"router"`
}

// GenericVenueConfig holds parameters for the generic-call swap venue.
type GenericVenueConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	ApiKey  string `toml:"api_key"`
}

// RouterVenueConfig holds parameters for the router-path swap venue.
type RouterVenueConfig struct {
	Enabled       bool     `toml:"enabled"`
	BaseURL       string   `toml:"base_url"`
	ApiKey        string   `toml:"api_key"`
	WrappedNative string   `toml:"wrapped_native"`
	SlippageBps   int64    `toml:"slippage_bps"`
	Deadline      duration `toml:"deadline"`
}

// AccessCtlConfig configures the role authority. Mode "static" uses the
// in-config grants table; mode "http" queries an external service.
type AccessCtlConfig struct {
	Mode     string              `toml:"mode"`
	URL      string              `toml:"url"`
	ApiKey   string              `toml:"api_key"`
	CacheTTL duration            `toml:"cache_ttl"`
	Grants   map[string][]string `toml:"grants"`
}

// EngineConfig tunes the fill dispatch engine.
type EngineConfig struct {
	LockTTL duration `toml:"lock_ttl"`
}

// SchedulerConfig tunes the automated fill scheduler.
type SchedulerConfig struct {
	ScanInterval duration `toml:"scan_interval"`
	BatchLimit   int      `toml:"batch_limit"`
	Workers      int      `toml:"workers"`
	// Principal is the name the scheduler acts as; it must hold the filler
	// role with the access authority.
	Principal string `toml:"principal"`
}

// ArchiveConfig controls cold-storage export of closed positions and audit
// entries.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// APIKey binds a bearer token to a named principal.
type APIKey struct {
	Token   string `toml:"token"`
	Name    string `toml:"name"`
	Address string `toml:"address"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKeys     []APIKey `toml:"api_keys"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		EVM: EVMConfig{
			RPCURL:       "http://localhost:8545",
			ChainID:      31337,
			WaitTimeout:  duration{2 * time.Minute},
			PollInterval: duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "dcavault",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dcavault-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Venues: VenuesConfig{
			Generic: GenericVenueConfig{
				Enabled: true,
			},
			Router: RouterVenueConfig{
				Enabled:     false,
				SlippageBps: 50,
				Deadline:    duration{2 * time.Minute},
			},
		},
		AccessCtl: AccessCtlConfig{
			Mode:     "static",
			CacheTTL: duration{30 * time.Second},
			Grants:   map[string][]string{},
		},
		Engine: EngineConfig{
			LockTTL: duration{2 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			ScanInterval: duration{30 * time.Second},
			BatchLimit:   50,
			Workers:      4,
			Principal:    "scheduler",
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"fill_failed", "pool_insolvent", "position_closed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"schedule": true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, schedule, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// EVM
	if c.EVM.RPCURL == "" {
		errs = append(errs, "evm: rpc_url must not be empty")
	}
	if c.EVM.ChainID <= 0 {
		errs = append(errs, "evm: chain_id must be positive")
	}
	if c.EVM.PrivateKey == "" && c.EVM.EncryptedKeyPath == "" {
		errs = append(errs, "evm: either private_key or encrypted_key_path must be set")
	}
	if c.EVM.EncryptedKeyPath != "" && c.EVM.KeyPassword == "" {
		errs = append(errs, "evm: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Venues — at least one must be enabled, and an enabled venue needs a URL.
	if !c.Venues.Generic.Enabled && !c.Venues.Router.Enabled {
		errs = append(errs, "venues: at least one venue must be enabled")
	}
	if c.Venues.Generic.Enabled && c.Venues.Generic.BaseURL == "" {
		errs = append(errs, "venues.generic: base_url must not be empty when enabled")
	}
	if c.Venues.Router.Enabled {
		if c.Venues.Router.BaseURL == "" {
			errs = append(errs, "venues.router: base_url must not be empty when enabled")
		}
		if c.Venues.Router.WrappedNative == "" {
			errs = append(errs, "venues.router: wrapped_native must not be empty when enabled")
		}
		if c.Venues.Router.SlippageBps < 0 || c.Venues.Router.SlippageBps >= 10_000 {
			errs = append(errs, fmt.Sprintf("venues.router: slippage_bps must be in [0, 10000), got %d", c.Venues.Router.SlippageBps))
		}
	}

	// Access control
	switch strings.ToLower(c.AccessCtl.Mode) {
	case "static":
	case "http":
		if c.AccessCtl.URL == "" {
			errs = append(errs, "accessctl: url is required for mode http")
		}
	default:
		errs = append(errs, fmt.Sprintf("accessctl: unknown mode %q (valid: static, http)", c.AccessCtl.Mode))
	}

	// Scheduler
	needsScheduler := c.Mode == "schedule" || c.Mode == "full"
	if needsScheduler {
		if c.Scheduler.ScanInterval.Duration <= 0 {
			errs = append(errs, "scheduler: scan_interval must be > 0")
		}
		if c.Scheduler.Workers < 1 {
			errs = append(errs, "scheduler: workers must be >= 1")
		}
		if c.Scheduler.BatchLimit < 1 {
			errs = append(errs, "scheduler: batch_limit must be >= 1")
		}
		if c.Scheduler.Principal == "" {
			errs = append(errs, "scheduler: principal must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		seen := make(map[string]bool, len(c.Server.APIKeys))
		for i, k := range c.Server.APIKeys {
			if k.Token == "" {
				errs = append(errs, fmt.Sprintf("server: api_keys[%d]: token must not be empty", i))
			}
			if k.Name == "" {
				errs = append(errs, fmt.Sprintf("server: api_keys[%d]: name must not be empty", i))
			}
			if seen[k.Token] {
				errs = append(errs, fmt.Sprintf("server: api_keys[%d]: duplicate token", i))
			}
			seen[k.Token] = true
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
