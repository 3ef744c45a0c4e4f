// Package app wires configuration into the running components shared by the
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/aggregator"
	"github.com/aman-zulfiqar/anchor-dex/internal/cache"
	"github.com/aman-zulfiqar/anchor-dex/internal/config"
	"github.com/aman-zulfiqar/anchor-dex/internal/flags"
	"github.com/aman-zulfiqar/anchor-dex/internal/fxanchor"
	"github.com/aman-zulfiqar/anchor-dex/internal/ledger"
	"github.com/aman-zulfiqar/anchor-dex/internal/registry"
	"github.com/aman-zulfiqar/anchor-dex/internal/rpc"
	"github.com/aman-zulfiqar/anchor-dex/internal/settlement"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage/clickhouse"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage/memory"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage/postgres"
	"github.com/aman-zulfiqar/anchor-dex/internal/sweeper"
)

// App holds every long-lived component. Redis, ClickHouse, the flag store
// and the sweeper are optional and nil when not configured.
type App struct {
	Config *config.Config
	Logger *logrus.Logger

	Store  storage.Store
	Volume storage.VolumeReader
	Ledger ledger.Client
	Redis  *redis.Client
	Flags  *flags.Store

	Registry    *registry.Registry
	Coordinator *settlement.Coordinator
	Aggregator  *aggregator.Aggregator
	Sweeper     *sweeper.Sweeper
	Auditor     *registry.Auditor

	closers []io.Closer
}

// NewLogger builds the text logger every binary uses.
func NewLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

// New connects to every configured backend and builds the components. On
// error whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var volumeWriter storage.VolumeWriter
	a.Volume = a.Store
	if cfg.ClickHouseDSN != "" {
		conn, err := clickhouse.NewConn(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn)
		if err := clickhouse.Migrate(ctx, conn); err != nil {
			return nil, err
		}
		vs := clickhouse.NewVolumeStore(conn)
		a.Volume, volumeWriter = vs, vs
		logger.Info("clickhouse volume mirror enabled")
	}

	locker := registry.Locker(registry.NewKeyedMutex())
	var publisher settlement.Publisher
	var toggles aggregator.Toggles
	if cfg.RedisURL != "" {
		rc, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.Redis = rc
		a.closers = append(a.closers, rc)

		locker = registry.ChainLocker{locker, cache.NewRedisLocker(rc, cfg.PoolLockTTL, logger)}
		publisher = cache.NewEventPublisher(rc, logger)
		a.Flags, err = flags.NewStore(rc, cfg.FlagCacheTTL, logger)
		if err != nil {
			return nil, err
		}
		toggles = a.Flags
		logger.Info("redis pool locks, events and provider flags enabled")
	} else {
		logger.Warn("no redis configured, pool locks are process local")
	}

	if a.Ledger, err = newLedger(cfg, logger); err != nil {
		return nil, err
	}

	a.Registry, err = registry.New(registry.Config{
		Store:     a.Store,
		Ledger:    a.Ledger,
		Locker:    locker,
		ProgramID: cfg.ProgramID,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	a.Coordinator, err = settlement.New(settlement.Config{
		Registry:          a.Registry,
		Store:             a.Store,
		Ledger:            a.Ledger,
		Publisher:         publisher,
		Volume:            volumeWriter,
		Treasury:          cfg.Treasury,
		ProtocolFeeBps:    cfg.ProtocolFeeBps,
		InlineProtocolFee: cfg.InlineProtocolFee,
		SkipLeg1Check:     !cfg.VerifyLeg1,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
		MaxRetryBackoff:   cfg.MaxRetryBackoff,
		CompleteTimeout:   cfg.CompleteTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	external := make([]aggregator.QuoteProvider, 0, len(cfg.FXAnchors))
	for _, fx := range cfg.FXAnchors {
		c, err := fxanchor.NewClient(fxanchor.Config{
			Name:      fx.Name,
			BaseURL:   fx.BaseURL,
			APIKey:    fx.APIKey,
			Signer:    fx.Signer,
			Timeout:   cfg.ProviderTimeout,
			RateLimit: fx.RateLimit,
		})
		if err != nil {
			return nil, err
		}
		external = append(external, c)
	}
	a.Aggregator, err = aggregator.New(aggregator.Config{
		Pools:           a.Registry,
		External:        external,
		Toggles:         toggles,
		ProviderTimeout: cfg.ProviderTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Treasury != "" {
		a.Sweeper, err = sweeper.New(sweeper.Config{
			Store:    a.Store,
			Registry: a.Registry,
			Ledger:   a.Ledger,
			Treasury: cfg.Treasury,
			Interval: cfg.SweepInterval,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}
	a.Auditor = registry.NewAuditor(a.Registry, cfg.AuditInterval)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		a.Logger.Warn("no database configured, using the in-memory store")
		a.Store = memory.NewStore()
		a.closers = append(a.closers, a.Store)
		return nil
	}

	pool, err := postgres.NewPool(ctx, a.Config.DatabaseURL)
	if err != nil {
		return err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	a.Store = postgres.NewStore(pool)
	a.closers = append(a.closers, a.Store)
	return nil
}

func newLedger(cfg *config.Config, logger *logrus.Logger) (*ledger.SolanaClient, error) {
	key, err := ledger.ParsePrivateKey(cfg.ServiceKey)
	if err != nil {
		return nil, fmt.Errorf("service key: %w", err)
	}
	rpcClient := rpc.NewClient(rpc.ClientConfig{
		BaseURL:    cfg.RPCURL,
		Timeout:    cfg.RPCTimeout,
		MaxRetries: cfg.RPCMaxRetries,
		Logger:     logger,
	})
	return ledger.NewSolanaClient(ledger.SolanaConfig{
		RPC:            rpcClient,
		ServiceKey:     key,
		Commitment:     cfg.Commitment,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         logger,
	})
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
