// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/store"
)

// poolConfig parses the connection URL and applies the pool settings.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	pc.MaxConns = 10
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = 2
	if cfg.MinConns > 0 && cfg.MinConns <= pc.MaxConns {
		pc.MinConns = cfg.MinConns
	}
	pc.MaxConnLifetime = 1 * time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	return pc, nil
}

// InitializeDatabase opens and pings the connection pool. The returned
// cleanup closes it.
func InitializeDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (hint: check RPAFLOW_DATABASE_URL)")
	}

	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("PostgreSQL connection pool initialized.", zap.Int32("max_conns", pc.MaxConns))
	cleanup := func() {
		logger.Info("Closing PostgreSQL connection pool.")
		pool.Close()
	}
	return pool, cleanup, nil
}

// InitializeStore connects and bootstraps the schema. Commands that only read
// blocks use it without building the rest of the components.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, func(), error) {
	pool, cleanup, err := InitializeDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.New(ctx, pool, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return s, cleanup, nil
}
