package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/revleak/internal/config"
	"github.com/ehr/revleak/internal/domain/leak"
	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/domain/reconciliation"
	"github.com/ehr/revleak/internal/platform/cache"
	"github.com/ehr/revleak/internal/platform/db"
	"github.com/ehr/revleak/internal/platform/lock"
	"github.com/ehr/revleak/internal/platform/retry"
)

// app holds every wired component. The same graph backs the HTTP server and
// the one-shot commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	loc      *time.Location
	exponent int32
	retry    retry.Policy

	leaks      *leak.Service
	aggregator *reconciliation.Aggregator
}

// newLogger writes JSON to stdout, or a console view in development.
// Production drops debug events.
func newLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.DebugLevel
	if cfg.IsProduction() {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	amounts, err := cfg.ParseAmounts()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		loc:      loc,
		exponent: cfg.CurrencyExponent,
		retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    30 * time.Second,
		},
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedis(ctx, cache.RedisConfig{URL: cfg.RedisURL})
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.rdb = rdb
		logger.Info().Msg("connected to redis")
	}

	var reports reconciliation.ReportCache
	switch cfg.ReconCache {
	case "redis":
		reports = reconciliation.NewRedisCache(a.rdb)
	case "memory":
		reports = reconciliation.NewMemoryCache()
	default:
		reports = reconciliation.NewPGCache(pool)
	}

	attribution := leak.Attribution(cfg.ReconAttribution)
	reader := ledger.NewReaderPG(pool)
	repo := leak.NewRepoPG(pool)

	a.aggregator = reconciliation.NewAggregator(reader, repo, reports, reconciliation.Config{
		Tolerance:      amounts.Tolerance,
		Location:       loc,
		Attribution:    attribution,
		MaxSummaryDays: cfg.ReconMaxSummaryDays,
	}, logger)

	engine := leak.NewEngine(leak.Thresholds{
		PriceMismatch: amounts.PriceMismatch,
		Underpriced:   amounts.Underpriced,
		Unpaid:        amounts.Unpaid,
	})
	scanner := leak.NewScanner(reader, repo, engine, leak.ScannerConfig{
		Workers:     cfg.ScanWorkers,
		Attribution: attribution,
	}, logger)
	scanner.SetInvalidator(a.aggregator)
	if a.rdb != nil {
		scanner.SetGuard(lock.NewRedisGuard(a.rdb, cfg.ScanLockTTL, logger))
	} else {
		scanner.SetGuard(lock.NewLocalGuard())
	}

	tracker := leak.NewTracker(repo, attribution, logger)
	tracker.SetInvalidator(a.aggregator)

	a.leaks = leak.NewService(repo, scanner, tracker)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.pool.Close()
}

// tenantContext pins a connection to the tenant schema for the duration of
// one command, the way the HTTP tenant middleware does per request.
func (a *app) tenantContext(ctx context.Context, tenant string) (context.Context, func(), error) {
	if tenant == "" {
		tenant = a.cfg.DefaultTenant
	}
	conn, err := db.AcquireTenant(ctx, a.pool, tenant)
	if err != nil {
		return nil, nil, err
	}
	return db.WithTenant(ctx, tenant, conn), conn.Release, nil
}

// scanDay runs one scan of the given calendar day, retrying transient
// ledger failures with the configured policy.
func (a *app) scanDay(ctx context.Context, tenant string, day time.Time) (*leak.ScanResult, error) {
	tr := ledger.Day(day, a.loc)
	var result *leak.ScanResult
	err := retry.Do(ctx, a.retry, a.logger, "detect_all", func(ctx context.Context) error {
		tctx, release, err := a.tenantContext(ctx, tenant)
		if err != nil {
			return err
		}
		defer release()
		result, err = a.leaks.DetectAll(tctx, tr)
		return err
	})
	return result, err
}
