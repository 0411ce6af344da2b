package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
)

// OLTPPool wraps the transactional Postgres pool. It carries the row-level
// workload: capture metadata upserts, the change stream, and point reads.
type OLTPPool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	stop   chan struct{}
}

// NewOLTPPool connects to Postgres and verifies the connection.
func NewOLTPPool(ctx context.Context, cfg *config.DatabaseConfig, poolCfg config.PoolConfig, logger *zap.Logger) (*OLTPPool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pgCfg.MaxConns = int32(poolCfg.MaxConns)
	pgCfg.MaxConnIdleTime = poolCfg.IdleTimeout
	pgCfg.MaxConnLifetime = poolCfg.MaxLifetime
	pgCfg.HealthCheckPeriod = poolCfg.HealthCheckInterval

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("oltp pool initialized",
		zap.Int32("max_conns", pgCfg.MaxConns),
		zap.Duration("max_lifetime", pgCfg.MaxConnLifetime))

	return &OLTPPool{pool: pool, logger: logger, stop: make(chan struct{})}, nil
}

// Query runs a row-returning statement.
func (p *OLTPPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow runs a single-row statement.
func (p *OLTPPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Exec runs a statement and returns the affected-row count.
func (p *OLTPPool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (p *OLTPPool) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			p.logger.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

// Ping verifies connectivity.
func (p *OLTPPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stat returns pool utilization for health reporting.
func (p *OLTPPool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Pool exposes the underlying pgx pool for callers that need batch or
// copy protocol access.
func (p *OLTPPool) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases all connections.
func (p *OLTPPool) Close() {
	close(p.stop)
	p.pool.Close()
}
