// Package app assembles the funding engine from configuration. The server
// and the worker share it so both record step results through the same
// orchestrator, store, cache and event publisher.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/fundsplit/service/cache"
	"github.com/brojonat/fundsplit/service/chain"
	"github.com/brojonat/fundsplit/service/config"
	"github.com/brojonat/fundsplit/service/db"
	"github.com/brojonat/fundsplit/service/dex"
	"github.com/brojonat/fundsplit/service/funding"
	"github.com/brojonat/fundsplit/service/gas"
	"github.com/brojonat/fundsplit/service/metrics"
	natspkg "github.com/brojonat/fundsplit/service/nats"
	"github.com/brojonat/fundsplit/service/verify"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App holds the long-lived dependencies of a fundsplit process.
type App struct {
	Pool         *pgxpool.Pool
	Store        *db.Store
	Chain        *chain.Client
	Orchestrator *funding.Orchestrator
	Publisher    *natspkg.JetStreamPublisher
	Redis        *redis.Client

	// Sessions serves status reads. It is the Redis read-through cache when
	// Redis is configured and the store otherwise.
	Sessions interface {
		GetSession(ctx context.Context, id string) (*funding.Session, error)
	}

	closers []func()
}

// Options carries the process-specific pieces.
type Options struct {
	// Tracker is optional. The server passes the Temporal client so that
	// "confirming" reports start receipt tracking.
	Tracker funding.Tracker
	// Migrate applies the schema on startup.
	Migrate bool
}

// Build connects to every backing service and assembles the orchestrator.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options, m *metrics.Metrics, logger *slog.Logger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Database
	a.Pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, a.Pool.Close)
	if err = a.Pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	a.Store = db.NewStore(a.Pool, m)
	if opts.Migrate {
		if err = a.Store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database schema applied")
	}
	logger.Info("connected to database")

	// Chain RPC
	a.Chain, err = chain.Dial(ctx, cfg.RPCURL, cfg.RPCRequestsPerSecond, m, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Chain.Close)
	if err = a.Chain.CheckChainID(ctx, cfg.ChainID); err != nil {
		return nil, err
	}
	logger.Info("connected to rpc endpoint", "chain_id", cfg.ChainID, "rps", cfg.RPCRequestsPerSecond)

	// DEX adapters
	var adapters []dex.Adapter
	if cfg.V2Configured() {
		adapters = append(adapters, dex.NewV2(cfg.V2RouterAddress, a.Chain))
	}
	if cfg.V3Configured() {
		adapters = append(adapters, dex.NewV3(dex.V3Config{
			Quoter:   cfg.V3QuoterAddress,
			Router:   cfg.V3RouterAddress,
			FeeTiers: cfg.FeeTiers(),
		}, a.Chain))
	}
	if len(adapters) == 0 {
		return nil, errors.New("no dex protocol configured")
	}
	quoter := dex.NewService(a.Chain, logger, adapters...)
	quoter.SetDecimals(cfg.DepositTokenAddress, cfg.DepositTokenDecimals)
	quoter.SetDecimals(cfg.CapitalTokenAddress, cfg.CapitalTokenDecimals)
	builder := dex.NewTransactionBuilder(cfg.WrappedNativeAddress, adapters...)

	// Gas estimation, with fiat from the HTTP source and then the static fallback
	var sources []gas.PriceSource
	if cfg.PriceSourceURL != "" {
		src, err := gas.NewHTTPPriceSource(cfg.PriceSourceURL, cfg.PriceSourceQuery, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("invalid price source: %w", err)
		}
		sources = append(sources, src)
	}
	if cfg.NativeUSDFallback.IsPositive() {
		sources = append(sources, gas.StaticPrice(cfg.NativeUSDFallback))
	}
	estimator := gas.NewEstimator(a.Chain, m, logger, sources...)

	verifier, err := verify.New(a.Chain, cfg.CapitalTokenAddress, cfg.VerifyToleranceBps, logger)
	if err != nil {
		return nil, err
	}

	// Event publishing
	var notifiers funding.Notifiers
	a.Publisher, err = natspkg.NewPublisher(cfg.NATSURL, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
	}
	a.closers = append(a.closers, func() { a.Publisher.Close() })
	notifiers = append(notifiers, natspkg.NewSessionNotifier(a.Publisher))
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Session cache and cross-process locks
	var locker funding.Locker
	a.Sessions = a.Store
	if cfg.RedisURL != "" {
		a.Redis, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { a.Redis.Close() })

		sessionCache := cache.NewSessionCache(a.Redis, a.Store, cfg.SessionCacheTTL, m, logger)
		a.Sessions = sessionCache
		notifiers = append(notifiers, sessionCache)
		locker = cache.NewLocker(a.Redis, cfg.SessionLockTTL, logger)
		logger.Info("connected to redis", "cache_ttl", cfg.SessionCacheTTL, "lock_ttl", cfg.SessionLockTTL)
	} else {
		locker = funding.NewLocalLocker()
		logger.Warn("redis not configured, using in-process session locks")
	}

	a.Orchestrator, err = funding.New(cfg.Funding(), funding.Deps{
		Store:     a.Store,
		Quoter:    quoter,
		Builder:   builder,
		Chain:     a.Chain,
		Estimator: estimator,
		Verifier:  verifier,
		Locker:    locker,
		Notifier:  notifiers,
		Tracker:   opts.Tracker,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("funding engine ready",
		"adapters", len(adapters),
		"price_sources", len(sources),
		"protocol", string(cfg.DEXProtocol),
	)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
