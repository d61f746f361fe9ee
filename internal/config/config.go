// Package config defines the top-level configuration for the prediction
// market service and provides validation helpers.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/units"
)

// Modes the binary can run in.
const (
	ModeServer = "server"
	ModeKeeper = "keeper"
	ModeFull   = "full"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
)

// Confidential-compute backends.
const (
	FHELocal   = "local"
	FHERelayer = "relayer"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PRICEPREDICT_* environment variables.
type Config struct {
	Owner    OwnerConfig    `toml:"owner"`
	Market   MarketConfig   `toml:"market"`
	FHE      FHEConfig      `toml:"fhe"`
	Oracle   OracleConfig   `toml:"oracle"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// OwnerConfig identifies the market owner. A signing key is needed wherever
// the process acts as the owner (the keeper); a bare address is enough for a
// read/write API that only checks ownership.
type OwnerConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// HasKey reports whether a signing key is configured.
func (o OwnerConfig) HasKey() bool {
	return o.PrivateKey != "" || o.EncryptedKeyPath != ""
}

// MarketConfig holds the market parameters.
type MarketConfig struct {
	MinStake      string   `toml:"min_stake"`
	PredictWindow duration `toml:"predict_window"`
	RoundWindow   duration `toml:"round_window"`
	ClaimPeriod   duration `toml:"claim_period"`
}

// FHEConfig selects the confidential-compute backend and the KMS signers
// whose decryption proofs are trusted.
type FHEConfig struct {
	Backend           string   `toml:"backend"`
	ChainID           uint64   `toml:"chain_id"`
	VerifyingContract string   `toml:"verifying_contract"`
	KMSSigners        []string `toml:"kms_signers"`
	Threshold         int      `toml:"threshold"`
	// InputSigners are the coprocessors that sign input proofs on the relayer
	// backend. Empty means kms_signers; a zero InputThreshold means threshold.
	InputSigners   []string `toml:"input_signers"`
	InputThreshold int      `toml:"input_threshold"`
	// LocalKMSKeys are the private keys of the in-process KMS. When empty a
	// fresh key set is generated at startup.
	LocalKMSKeys     []string `toml:"local_kms_keys"`
	LocalKMSSize     int      `toml:"local_kms_size"`
	RelayerURL       string   `toml:"relayer_url"`
	RelayerAPIKey    string   `toml:"relayer_api_key"`
	RelayerAPISecret string   `toml:"relayer_api_secret"`
	RelayerTimeout   duration `toml:"relayer_timeout"`
}

// RelayerInputSigners returns the coprocessor addresses trusted to sign input
// proofs on the relayer backend.
func (f FHEConfig) RelayerInputSigners() []string {
	if len(f.InputSigners) > 0 {
		return f.InputSigners
	}
	return f.KMSSigners
}

// RelayerInputThreshold returns the number of coprocessor signatures an
// input proof needs on the relayer backend.
func (f FHEConfig) RelayerInputThreshold() int {
	if f.InputThreshold > 0 {
		return f.InputThreshold
	}
	return f.Threshold
}

// OracleConfig points at the HTTP price feed used to settle rounds.
type OracleConfig struct {
	URL     string   `toml:"url"`
	APIKey  string   `toml:"api_key"`
	Scale   int32    `toml:"scale"`
	Timeout duration `toml:"timeout"`
}

// Enabled reports whether a price feed is configured.
func (o OracleConfig) Enabled() bool { return o.URL != "" }

// KeeperConfig controls the settlement keeper.
type KeeperConfig struct {
	Interval        duration `toml:"interval"`
	ArchiveInterval duration `toml:"archive_interval"`
	LockTTL         duration `toml:"lock_ttl"`
	AutoSweep       bool     `toml:"auto_sweep"`
}

// LedgerConfig selects the ledger store.
type LedgerConfig struct {
	Backend string `toml:"backend"`
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

// RedisConfig holds Redis connection parameters. Redis backs the round
// cache, keeper locks, the event bus and API rate limiting.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for settlement
// reports and round archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "48h", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
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
		Market: MarketConfig{
			MinStake:      "0.001",
			PredictWindow: duration{domain.PredictWindow},
			RoundWindow:   duration{domain.RoundWindow},
			ClaimPeriod:   duration{domain.ClaimPeriod},
		},
		FHE: FHEConfig{
			Backend:           FHELocal,
			ChainID:           31337,
			VerifyingContract: "0x0000000000000000000000000000000000000000",
			Threshold:         1,
			LocalKMSSize:      1,
			RelayerTimeout:    duration{30 * time.Second},
		},
		Oracle: OracleConfig{
			Scale:   0,
			Timeout: duration{15 * time.Second},
		},
		Keeper: KeeperConfig{
			Interval:        duration{time.Minute},
			ArchiveInterval: duration{time.Hour},
			LockTTL:         duration{2 * time.Minute},
			AutoSweep:       true,
		},
		Ledger: LedgerConfig{
			Backend: LedgerMemory,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pricepredict",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			CacheTTL:   duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pricepredict",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"round_created", "round_settled", "round_verified", "round_swept", "keeper_error"},
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// Params converts the market section into domain parameters.
func (c *Config) Params() (domain.Params, error) {
	minStake, err := units.ParseEther(c.Market.MinStake)
	if err != nil {
		return domain.Params{}, fmt.Errorf("config: market.min_stake: %w", err)
	}
	return domain.Params{
		MinStake:      minStake,
		PredictWindow: c.Market.PredictWindow.Duration,
		RoundWindow:   c.Market.RoundWindow.Duration,
		ClaimPeriod:   c.Market.ClaimPeriod.Duration,
	}, nil
}

// RunsServer reports whether the mode includes the HTTP API.
func (c *Config) RunsServer() bool { return c.Mode == ModeServer || c.Mode == ModeFull }

// RunsKeeper reports whether the mode includes the settlement keeper.
func (c *Config) RunsKeeper() bool { return c.Mode == ModeKeeper || c.Mode == ModeFull }

// Validate checks the configuration for logical errors and missing required
// fields. It returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case ModeServer, ModeKeeper, ModeFull:
	default:
		errs = append(errs, fmt.Sprintf("mode must be one of server, keeper, full; got %q", c.Mode))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	// Owner
	if !c.Owner.HasKey() && !common.IsHexAddress(c.Owner.Address) {
		errs = append(errs, "owner: set private_key, encrypted_key_path or address")
	}
	if c.Owner.Address != "" && !common.IsHexAddress(c.Owner.Address) {
		errs = append(errs, fmt.Sprintf("owner: address %q is not a hex address", c.Owner.Address))
	}
	if c.RunsKeeper() && !c.Owner.HasKey() {
		errs = append(errs, "owner: a signing key is required when the keeper runs")
	}
	if c.Owner.EncryptedKeyPath != "" && c.Owner.KeyPassword == "" {
		errs = append(errs, "owner: key_password is required with encrypted_key_path")
	}

	// Market
	if p, err := c.Params(); err != nil {
		errs = append(errs, err.Error())
	} else if p.MinStake.IsZero() {
		errs = append(errs, "market: min_stake must be > 0")
	}
	if c.Market.PredictWindow.Duration <= 0 {
		errs = append(errs, "market: predict_window must be > 0")
	}
	if c.Market.RoundWindow.Duration <= c.Market.PredictWindow.Duration {
		errs = append(errs, "market: round_window must exceed predict_window")
	}
	if c.Market.ClaimPeriod.Duration <= 0 {
		errs = append(errs, "market: claim_period must be > 0")
	}

	// FHE
	switch c.FHE.Backend {
	case FHELocal:
		if len(c.FHE.LocalKMSKeys) == 0 && c.FHE.LocalKMSSize < 1 {
			errs = append(errs, "fhe: local_kms_size must be >= 1 when local_kms_keys is empty")
		}
		signers := max(len(c.FHE.LocalKMSKeys), c.FHE.LocalKMSSize)
		if c.FHE.Threshold < 1 || c.FHE.Threshold > signers {
			errs = append(errs, fmt.Sprintf("fhe: threshold must be 1-%d, got %d", signers, c.FHE.Threshold))
		}
	case FHERelayer:
		if c.FHE.RelayerURL == "" {
			errs = append(errs, "fhe: relayer_url is required for the relayer backend")
		}
		if len(c.FHE.KMSSigners) == 0 {
			errs = append(errs, "fhe: kms_signers is required for the relayer backend")
		}
		for _, s := range c.FHE.KMSSigners {
			if !common.IsHexAddress(s) {
				errs = append(errs, fmt.Sprintf("fhe: kms signer %q is not a hex address", s))
			}
		}
		if c.FHE.Threshold < 1 || c.FHE.Threshold > len(c.FHE.KMSSigners) {
			errs = append(errs, fmt.Sprintf("fhe: threshold must be 1-%d, got %d", len(c.FHE.KMSSigners), c.FHE.Threshold))
		}
		for _, s := range c.FHE.InputSigners {
			if !common.IsHexAddress(s) {
				errs = append(errs, fmt.Sprintf("fhe: input signer %q is not a hex address", s))
			}
		}
		n := len(c.FHE.RelayerInputSigners())
		if t := c.FHE.RelayerInputThreshold(); c.FHE.InputThreshold < 0 || t < 1 || t > n {
			errs = append(errs, fmt.Sprintf("fhe: input_threshold must be 1-%d, got %d", n, t))
		}
		if (c.FHE.RelayerAPIKey == "") != (c.FHE.RelayerAPISecret == "") {
			errs = append(errs, "fhe: relayer_api_key and relayer_api_secret must be set together")
		}
	default:
		errs = append(errs, fmt.Sprintf("fhe: backend must be local or relayer, got %q", c.FHE.Backend))
	}
	if !common.IsHexAddress(c.FHE.VerifyingContract) {
		errs = append(errs, "fhe: verifying_contract must be a hex address")
	}

	// Oracle
	if c.Oracle.Scale < 0 || c.Oracle.Scale > 18 {
		errs = append(errs, fmt.Sprintf("oracle: scale must be 0-18, got %d", c.Oracle.Scale))
	}

	// Keeper
	if c.RunsKeeper() {
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0")
		}
		if c.Keeper.LockTTL.Duration < c.Keeper.Interval.Duration {
			errs = append(errs, "keeper: lock_ttl must be >= interval")
		}
		if c.Keeper.ArchiveInterval.Duration < 0 {
			errs = append(errs, "keeper: archive_interval must be >= 0")
		}
	}

	// Ledger / Postgres
	switch c.Ledger.Backend {
	case LedgerMemory:
		if c.Mode == ModeKeeper {
			errs = append(errs, "ledger: a keeper-only process needs the shared postgres backend")
		}
	case LedgerPostgres:
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: backend must be memory or postgres, got %q", c.Ledger.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !slices.Contains(notifyKinds, e) {
			errs = append(errs, fmt.Sprintf("notify: unknown event kind %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var notifyKinds = []string{
	"round_created", "prediction_submitted", "prediction_updated", "stake_added",
	"prediction_withdrawn", "round_settled", "batch_revealed", "round_verified",
	"reward_claimed", "round_swept", "deposited", "keeper_error",
}
