package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/config"
	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/metrics"
	"github.com/kelpejol/ctmeter/internal/pricing"
	"github.com/kelpejol/ctmeter/internal/recommend"
	"github.com/kelpejol/ctmeter/internal/store/memory"
	"github.com/kelpejol/ctmeter/internal/store/postgres"
	"github.com/kelpejol/ctmeter/internal/userlock"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

// store is everything the engine persists.
type store interface {
	ledger.Store
	pricing.Store
	ctrate.Store
	economy.Store
	wallet.Store
	calibration.Store
	recommend.Store
}

// app holds the wired engine for one process.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	store    store
	pg       *postgres.Store
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	settings    *economy.Service
	ledger      *ledger.Ledger
	wallet      *wallet.Wallet
	calibration *calibration.Engine
	seeder      *pricing.Seeder
	recommender *recommend.Recommender
}

// newApp connects the stores and builds the engine. inMemory swaps Postgres
// for the in-process store; nothing survives a restart in that mode.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, inMemory bool) (*app, error) {
	a := &app{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if inMemory {
		logger.Warn().Msg("using in-memory store, data is not persisted")
		a.store = memory.New(nil)
	} else {
		pg, err := postgres.Open(ctx, cfg.Postgres.URL, logger)
		if err != nil {
			return nil, err
		}
		a.pg = pg
		a.store = pg
	}

	var spendLock, settingsLock userlock.Locker = userlock.NewLocal(), userlock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisLock := func(prefix string) userlock.Locker {
			return userlock.NewRedis(a.redis,
				userlock.WithPrefix(prefix),
				userlock.WithTTL(cfg.Redis.LockTTL),
				userlock.WithWait(cfg.Redis.LockWait),
				userlock.WithLogger(logger),
			)
		}
		spendLock = redisLock("ctmeter:lock:user:")
		settingsLock = redisLock("ctmeter:lock:settings:")
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis, user lock is shared")
	}

	a.settings = economy.NewService(a.store, logger, economy.WithLocker(settingsLock))
	a.ledger = ledger.New(a.store, a.store, a.store, a.settings, logger,
		ledger.WithMetrics(a.metrics))
	a.wallet = wallet.New(a.store, a.settings, cfg.Billing.Wallet(), logger,
		wallet.WithMetrics(a.metrics),
		wallet.WithLocker(spendLock))
	a.calibration = calibration.New(a.store, cfg.Calibration.Params(), logger,
		calibration.WithMetrics(a.metrics))
	a.seeder = pricing.NewSeeder(a.store, logger,
		pricing.WithMetrics(a.metrics))
	a.recommender = recommend.New(a.store, recommend.DefaultGuardrails(), logger,
		recommend.WithMetrics(a.metrics))
	return a, nil
}

// prepare runs migrations when backed by Postgres, makes sure a credit rate
// exists and optionally bootstraps the pricing catalog.
func (a *app) prepare(ctx context.Context) error {
	if a.pg != nil {
		if err := a.pg.Migrate(ctx); err != nil {
			return err
		}
	}

	rate, err := a.store.EnsureRate(ctx, ctrate.Rate{
		CTValueUSD:    a.cfg.Billing.DefaultCTValueUSD,
		EffectiveFrom: pricing.BootstrapEpoch,
		Active:        true,
		Notes:         "initial rate",
	})
	if err != nil {
		return fmt.Errorf("ensure credit rate: %w", err)
	}
	a.metrics.SetCTRate(rate.CTValueUSD)
	a.log.Info().
		Int64("version", rate.Version).
		Float64("ct_value_usd", rate.CTValueUSD).
		Msg("credit rate loaded")

	if a.cfg.Billing.BootstrapPricing {
		if _, err := a.seeder.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap pricing: %w", err)
		}
	}
	return nil
}

// ping backs the readiness checks.
func (a *app) ping(ctx context.Context) error {
	var errs []error
	if a.pg != nil {
		errs = append(errs, a.pg.Ping(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Ping(ctx).Err())
	}
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close database")
		}
	}
}
