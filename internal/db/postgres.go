package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PoolOptions tunes the connection pool. Zero values keep the defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// New creates a database connection pool from a Postgres connection URL.
//
// Ingestion replicas and enrichment workers share the same tuning: every
// coordination step is a short transaction, so connections are held briefly.
//
// Why take a URL instead of host/port/user fields?
//   - pgxpool.ParseConfig understands Postgres URLs natively, sslmode and
//     escaped passwords included.
//   - DATABASE_URL is what config.Config already carries.
func New(ctx context.Context, databaseURL string, opts PoolOptions, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Pool tuning:
	//
	// MaxConns (25): each API request, worker slot and reaper tick holds a
	//   connection only for one short transaction. DB_MAX_CONNS overrides it
	//   when many replicas share one Postgres.
	//
	// MinConns (5): warm connections for the first claims after an idle
	//   stretch.
	//
	// MaxConnLifetime (1h): recycle connections so DNS changes and failovers
	//   are picked up.
	//
	// MaxConnIdleTime (20min): give slots back to Postgres when traffic is low.
	//
	// HealthCheckPeriod (1min): find dead idle connections before a claim
	//   or webhook drain hits one.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= poolConfig.MaxConns {
		poolConfig.MinConns = opts.MinConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Ping verifies credentials and network now rather than on the first
	// query. On failure the pool is closed so nothing half-open leaks.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	logger.Info("DB connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
