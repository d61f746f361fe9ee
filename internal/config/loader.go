package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRICEPREDICT_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PRICEPREDICT_* environment variable overrides,
// and returns the final Config. An empty path skips the file. Unknown TOML
// keys are rejected. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
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
			sort.Strings(keys)
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PRICEPREDICT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Owner ──
	setStr(&cfg.Owner.Address, "OWNER_ADDRESS")
	setStr(&cfg.Owner.PrivateKey, "OWNER_PRIVATE_KEY")
	setStr(&cfg.Owner.EncryptedKeyPath, "OWNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Owner.KeyPassword, "OWNER_KEY_PASSWORD")

	// ── Market ──
	setStr(&cfg.Market.MinStake, "MARKET_MIN_STAKE")
	setDuration(&cfg.Market.PredictWindow, "MARKET_PREDICT_WINDOW")
	setDuration(&cfg.Market.RoundWindow, "MARKET_ROUND_WINDOW")
	setDuration(&cfg.Market.ClaimPeriod, "MARKET_CLAIM_PERIOD")

	// ── FHE ──
	setStr(&cfg.FHE.Backend, "FHE_BACKEND")
	setUint64(&cfg.FHE.ChainID, "FHE_CHAIN_ID")
	setStr(&cfg.FHE.VerifyingContract, "FHE_VERIFYING_CONTRACT")
	setStringSlice(&cfg.FHE.KMSSigners, "FHE_KMS_SIGNERS")
	setInt(&cfg.FHE.Threshold, "FHE_THRESHOLD")
	setStringSlice(&cfg.FHE.InputSigners, "FHE_INPUT_SIGNERS")
	setInt(&cfg.FHE.InputThreshold, "FHE_INPUT_THRESHOLD")
	setStringSlice(&cfg.FHE.LocalKMSKeys, "FHE_LOCAL_KMS_KEYS")
	setInt(&cfg.FHE.LocalKMSSize, "FHE_LOCAL_KMS_SIZE")
	setStr(&cfg.FHE.RelayerURL, "FHE_RELAYER_URL")
	setStr(&cfg.FHE.RelayerAPIKey, "FHE_RELAYER_API_KEY")
	setStr(&cfg.FHE.RelayerAPISecret, "FHE_RELAYER_API_SECRET")
	setDuration(&cfg.FHE.RelayerTimeout, "FHE_RELAYER_TIMEOUT")

	// ── Oracle ──
	setStr(&cfg.Oracle.URL, "ORACLE_URL")
	setStr(&cfg.Oracle.APIKey, "ORACLE_API_KEY")
	setInt32(&cfg.Oracle.Scale, "ORACLE_SCALE")
	setDuration(&cfg.Oracle.Timeout, "ORACLE_TIMEOUT")

	// ── Keeper ──
	setDuration(&cfg.Keeper.Interval, "KEEPER_INTERVAL")
	setDuration(&cfg.Keeper.ArchiveInterval, "KEEPER_ARCHIVE_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "KEEPER_LOCK_TTL")
	setBool(&cfg.Keeper.AutoSweep, "KEEPER_AUTO_SWEEP")

	// ── Ledger / Postgres ──
	setStr(&cfg.Ledger.Backend, "LEDGER_BACKEND")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "REDIS_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the prefixed
// environment variable is present and non-empty.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
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
