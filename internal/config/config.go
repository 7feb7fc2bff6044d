// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by PREDICTIFY_* environment variables.
type Config struct {
	Relay     RelayConfig     `toml:"relay"`
	Chain     ChainConfig     `toml:"chain"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Retry     RetryConfig     `toml:"retry"`
	Sync      SyncConfig      `toml:"sync"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// RelayConfig describes the custodial account that pays for ledger
// transactions. Without a key the service runs read-only.
type RelayConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`

	// Amounts are decimal strings in native units.
	MinBalance decimal.Decimal `toml:"min_balance"`
	GasBuffer  decimal.Decimal `toml:"gas_buffer"`

	SubmitLockTTL   duration `toml:"submit_lock_ttl"`
	MonitorInterval duration `toml:"monitor_interval"`
}

// ChainConfig locates the market contract.
type ChainConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ContractAddress string `toml:"contract_address"`
	ChainID         int64  `toml:"chain_id"`
	StakeDecimals   int32  `toml:"stake_decimals"`
	NativeDecimals  int32  `toml:"native_decimals"`

	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	CallTimeout       duration `toml:"call_timeout"`

	GasLimit            uint64   `toml:"gas_limit"`
	ReceiptTimeout      duration `toml:"receipt_timeout"`
	ReceiptPollInterval duration `toml:"receipt_poll_interval"`
}

type DatabaseConfig struct {
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

type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	LiveStateTTL duration `toml:"live_state_ttl"`
}

// S3Config locates the settlement report archive. An empty bucket disables
// archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	KeyPrefix      string `toml:"key_prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Enabled reports whether report archiving is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// LifecycleConfig tunes initialization and settlement.
type LifecycleConfig struct {
	InitTimeout       duration `toml:"init_timeout"`
	TxTimeout         duration `toml:"tx_timeout"`
	ChainTimeout      duration `toml:"chain_timeout"`
	InitLockLease     duration `toml:"init_lock_lease"`
	LockSweepInterval duration `toml:"lock_sweep_interval"`
	LiveConcurrency   int      `toml:"live_concurrency"`
	RewardPrecision   int32    `toml:"reward_precision"`
}

type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	Multiplier  float64  `toml:"multiplier"`
	MaxDelay    duration `toml:"max_delay"`
}

type SyncConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
}

type ServerConfig struct {
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	APIKey       string   `toml:"api_key"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets TOML carry durations as strings such as "90s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs against local Postgres and Redis.
func Defaults() Config {
	return Config{
		Relay: RelayConfig{
			MinBalance:      decimal.NewFromInt(10),
			GasBuffer:       decimal.RequireFromString("0.1"),
			SubmitLockTTL:   duration{2 * time.Minute},
			MonitorInterval: duration{time.Minute},
		},
		Chain: ChainConfig{
			ChainID:             1,
			StakeDecimals:       8,
			NativeDecimals:      18,
			RequestsPerSecond:   10,
			Burst:               5,
			CallTimeout:         duration{10 * time.Second},
			GasLimit:            500_000,
			ReceiptTimeout:      duration{60 * time.Second},
			ReceiptPollInterval: duration{2 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "predictify",
			User:          "predictify",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "predictify",
			LiveStateTTL: duration{15 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Lifecycle: LifecycleConfig{
			InitTimeout:       duration{60 * time.Second},
			TxTimeout:         duration{10 * time.Second},
			ChainTimeout:      duration{60 * time.Second},
			InitLockLease:     duration{5 * time.Minute},
			LockSweepInterval: duration{time.Minute},
			LiveConcurrency:   8,
			RewardPrecision:   8,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   duration{time.Second},
			Multiplier:  2,
			MaxDelay:    duration{10 * time.Second},
		},
		Sync: SyncConfig{
			Enabled:     true,
			Interval:    duration{time.Minute},
			Concurrency: 4,
		},
		Server: ServerConfig{
			Port:         8080,
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{90 * time.Second},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{"api": true, "worker": true, "full": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: api, worker, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Relay.EncryptedKeyPath != "" && c.Relay.KeyPassword == "" {
		add("relay: key_password is required when encrypted_key_path is set")
	}
	if c.Relay.MinBalance.IsNegative() {
		add("relay: min_balance must be >= 0")
	}
	if c.Relay.GasBuffer.IsNegative() {
		add("relay: gas_buffer must be >= 0")
	}
	positive(add, "relay: submit_lock_ttl", c.Relay.SubmitLockTTL)
	positive(add, "relay: monitor_interval", c.Relay.MonitorInterval)

	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		add("chain: rpc_url must not be empty")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		add("chain: contract_address %q is not a hex address", c.Chain.ContractAddress)
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if c.Chain.StakeDecimals < 0 || c.Chain.StakeDecimals > 18 {
		add("chain: stake_decimals must be 0-18, got %d", c.Chain.StakeDecimals)
	}
	if c.Chain.NativeDecimals < 0 || c.Chain.NativeDecimals > 36 {
		add("chain: native_decimals must be 0-36, got %d", c.Chain.NativeDecimals)
	}
	if c.Chain.RequestsPerSecond < 0 {
		add("chain: requests_per_second must be >= 0")
	}
	positive(add, "chain: receipt_timeout", c.Chain.ReceiptTimeout)

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			add("database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			add("database: port must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.Database == "" {
			add("database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		add("database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		add("database: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}
	positive(add, "redis: live_state_ttl", c.Redis.LiveStateTTL)

	if c.S3.Enabled() && c.S3.Region == "" {
		add("s3: region must be set when bucket is configured")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		add("s3: access_key and secret_key must be set together")
	}

	positive(add, "lifecycle: init_timeout", c.Lifecycle.InitTimeout)
	positive(add, "lifecycle: tx_timeout", c.Lifecycle.TxTimeout)
	positive(add, "lifecycle: chain_timeout", c.Lifecycle.ChainTimeout)
	positive(add, "lifecycle: init_lock_lease", c.Lifecycle.InitLockLease)
	positive(add, "lifecycle: lock_sweep_interval", c.Lifecycle.LockSweepInterval)
	if c.Lifecycle.InitLockLease.Duration < c.Lifecycle.InitTimeout.Duration {
		add("lifecycle: init_lock_lease must not be shorter than init_timeout")
	}
	if c.Lifecycle.LiveConcurrency < 1 {
		add("lifecycle: live_concurrency must be >= 1")
	}
	if c.Lifecycle.RewardPrecision < 0 || c.Lifecycle.RewardPrecision > c.Chain.StakeDecimals {
		add("lifecycle: reward_precision must be 0-%d (stake_decimals)", c.Chain.StakeDecimals)
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry: max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		add("retry: multiplier must be >= 1")
	}
	positive(add, "retry: base_delay", c.Retry.BaseDelay)
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		add("retry: max_delay must not be below base_delay")
	}

	if c.Sync.Enabled {
		positive(add, "sync: interval", c.Sync.Interval)
	}
	if c.Sync.Concurrency < 1 {
		add("sync: concurrency must be >= 1")
	}

	if c.Mode != "worker" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 {
		positive(add, "server: rate_window", c.Server.RateWindow)
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func positive(add func(string, ...any), name string, d duration) {
	if d.Duration <= 0 {
		add("%s must be > 0", name)
	}
}
