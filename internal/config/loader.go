package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// envPrefix namespaces every environment override.
const envPrefix = "PREDICTIFY_"

// Load merges the TOML file at path over Defaults, loads .env when present
// and applies PREDICTIFY_* overrides. An empty path skips the file. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy settings
// without editing the TOML file. Unset or empty variables leave the value
// alone.
func applyEnvOverrides(cfg *Config) {
	// relay
	setStr(&cfg.Relay.PrivateKey, "RELAY_PRIVATE_KEY")
	setStr(&cfg.Relay.EncryptedKeyPath, "RELAY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Relay.KeyPassword, "RELAY_KEY_PASSWORD")
	setDecimal(&cfg.Relay.MinBalance, "RELAY_MIN_BALANCE")
	setDecimal(&cfg.Relay.GasBuffer, "RELAY_GAS_BUFFER")
	setDuration(&cfg.Relay.MonitorInterval, "RELAY_MONITOR_INTERVAL")

	// chain
	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setStr(&cfg.Chain.ContractAddress, "CHAIN_CONTRACT_ADDRESS")
	setInt64(&cfg.Chain.ChainID, "CHAIN_CHAIN_ID")
	setFloat64(&cfg.Chain.RequestsPerSecond, "CHAIN_REQUESTS_PER_SECOND")
	setDuration(&cfg.Chain.ReceiptTimeout, "CHAIN_RECEIPT_TIMEOUT")

	// database
	setStr(&cfg.Database.DSN, "DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.Host, "DATABASE_HOST")
	setInt(&cfg.Database.Port, "DATABASE_PORT")
	setStr(&cfg.Database.Database, "DATABASE_DATABASE")
	setStr(&cfg.Database.User, "DATABASE_USER")
	setStr(&cfg.Database.Password, "DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "DATABASE_POOL_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "DATABASE_RUN_MIGRATIONS")

	// redis
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// s3
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.KeyPrefix, "S3_KEY_PREFIX")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// lifecycle, retry, sync
	setDuration(&cfg.Lifecycle.InitTimeout, "LIFECYCLE_INIT_TIMEOUT")
	setDuration(&cfg.Lifecycle.InitLockLease, "LIFECYCLE_INIT_LOCK_LEASE")
	setInt(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "RETRY_BASE_DELAY")
	setBool(&cfg.Sync.Enabled, "SYNC_ENABLED")
	setDuration(&cfg.Sync.Interval, "SYNC_INTERVAL")
	setInt(&cfg.Sync.Concurrency, "SYNC_CONCURRENCY")

	// server
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

func env(key string) string { return os.Getenv(envPrefix + key) }

func setStr(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(env(key)); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, key string) {
	if n, err := strconv.ParseInt(env(key), 10, 64); err == nil {
		*dst = n
	}
}

func setFloat64(dst *float64, key string) {
	if f, err := strconv.ParseFloat(env(key), 64); err == nil {
		*dst = f
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(env(key)); err == nil {
		*dst = b
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if d, err := decimal.NewFromString(env(key)); err == nil {
		*dst = d
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(env(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := env(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
