package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/pricepredict/internal/blob/s3"
	"github.com/alanyoungcy/pricepredict/internal/cache/redis"
	"github.com/alanyoungcy/pricepredict/internal/config"
	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/fhe"
	"github.com/alanyoungcy/pricepredict/internal/notify"
	"github.com/alanyoungcy/pricepredict/internal/platform/pricefeed"
	"github.com/alanyoungcy/pricepredict/internal/server/handler"
	"github.com/alanyoungcy/pricepredict/internal/store/memory"
	"github.com/alanyoungcy/pricepredict/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional collaborators are nil when not configured.
type Dependencies struct {
	Ledger domain.Ledger
	Params domain.Params
	Owner  common.Address
	// OwnerSigner is nil when only an owner address is configured.
	OwnerSigner *crypto.Signer

	// Confidential compute
	Decryptor domain.Decryptor
	Verifier  domain.ProofVerifier
	Inputs    domain.InputVerifier
	Codec     domain.ClearValueCodec
	// LocalKMS is set for the local backend only.
	LocalKMS *fhe.LocalKMS

	Oracle domain.PriceOracle

	// Redis
	RoundCache  domain.RoundCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	ReplayGuard domain.ReplayGuard

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks cover every external dependency that was wired.
	HealthChecks map[string]handler.HealthCheck
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

	deps := &Dependencies{
		Codec:        fhe.ABICodec{},
		HealthChecks: make(map[string]handler.HealthCheck),
	}

	params, err := cfg.Params()
	if err != nil {
		return fail("market params", err)
	}
	deps.Params = params

	// --- Owner ---
	owner, signer, err := resolveOwner(cfg.Owner)
	if err != nil {
		return fail("owner", err)
	}
	deps.Owner, deps.OwnerSigner = owner, signer

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
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
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Ledger = postgres.NewLedger(pgClient.Pool())
		deps.HealthChecks["postgres"] = pgClient.Ping
	default:
		deps.Ledger = memory.NewLedger()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
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

		deps.RoundCache = redis.NewRoundCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.Ledger, params, deps.BlobWriter, deps.BlobReader, logger)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Confidential compute ---
	if err := wireFHE(cfg.FHE, deps, logger); err != nil {
		return fail("fhe", err)
	}

	// --- Price oracle ---
	if cfg.Oracle.Enabled() {
		deps.Oracle = pricefeed.NewClient(cfg.Oracle.URL, cfg.Oracle.APIKey, cfg.Oracle.Scale, cfg.Oracle.Timeout.Duration)
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

	return deps, cleanup, nil
}

// resolveOwner loads the owner's signing key when one is configured and
// otherwise falls back to the bare address.
func resolveOwner(cfg config.OwnerConfig) (common.Address, *crypto.Signer, error) {
	if !cfg.HasKey() {
		return common.HexToAddress(cfg.Address), nil, nil
	}
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.PrivateKey,
		EncryptedKeyPath: cfg.EncryptedKeyPath,
		KeyPassword:      cfg.KeyPassword,
	})
	if err != nil {
		return common.Address{}, nil, err
	}
	if cfg.Address != "" && common.HexToAddress(cfg.Address) != signer.Address() {
		return common.Address{}, nil, fmt.Errorf("key address %s does not match configured address %s",
			signer.Address().Hex(), cfg.Address)
	}
	return signer.Address(), signer, nil
}

// wireFHE builds the decryptor and the decryption and input proof verifiers
// for the configured backend. All share one chain and contract binding.
func wireFHE(cfg config.FHEConfig, deps *Dependencies, logger *slog.Logger) error {
	dom := crypto.DefaultDecryptionDomain(cfg.ChainID, common.HexToAddress(cfg.VerifyingContract))

	var trusted, coprocessors []common.Address
	inputThreshold := cfg.Threshold
	switch cfg.Backend {
	case config.FHERelayer:
		deps.Decryptor = fhe.NewRelayerClient(cfg.RelayerURL, crypto.HMACAuth{
			Key:    cfg.RelayerAPIKey,
			Secret: cfg.RelayerAPISecret,
		}, cfg.RelayerTimeout.Duration)
		for _, s := range cfg.KMSSigners {
			trusted = append(trusted, common.HexToAddress(s))
		}
		for _, s := range cfg.RelayerInputSigners() {
			coprocessors = append(coprocessors, common.HexToAddress(s))
		}
		inputThreshold = cfg.RelayerInputThreshold()
	default:
		signers, err := localKMSSigners(cfg)
		if err != nil {
			return err
		}
		kms := fhe.NewLocalKMS(dom, signers)
		deps.LocalKMS = kms
		deps.Decryptor = kms
		trusted = kms.Signers()
		coprocessors = trusted
		logger.Info("app: local kms ready",
			slog.Int("signers", len(signers)),
			slog.Int("threshold", cfg.Threshold),
		)
	}

	verifier, err := fhe.NewKMSVerifier(dom, trusted, cfg.Threshold, logger)
	if err != nil {
		return err
	}
	deps.Verifier = verifier

	inputs, err := fhe.NewInputVerifier(dom, coprocessors, inputThreshold, logger)
	if err != nil {
		return err
	}
	deps.Inputs = inputs
	return nil
}

func localKMSSigners(cfg config.FHEConfig) ([]*crypto.Signer, error) {
	if len(cfg.LocalKMSKeys) > 0 {
		return crypto.LoadSigners(cfg.LocalKMSKeys)
	}
	signers := make([]*crypto.Signer, 0, cfg.LocalKMSSize)
	for range cfg.LocalKMSSize {
		s, err := crypto.GenerateSigner()
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	return signers, nil
}
