package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
)

// OLAPPool wraps the ClickHouse connection used for analytical scans:
// domain-wide aggregations, time-series rollups, and reporting.
type OLAPPool struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewOLAPPool connects to ClickHouse and verifies the connection.
func NewOLAPPool(ctx context.Context, cfg *config.OLAPConfig, logger *zap.Logger) (*OLAPPool, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns:    cfg.MaxOpenConns,
		DialTimeout:     cfg.DialTimeout,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 120,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	logger.Info("olap pool initialized",
		zap.Strings("addr", cfg.Addr),
		zap.String("database", cfg.Database),
		zap.Int("max_open_conns", cfg.MaxOpenConns))

	return &OLAPPool{conn: conn, logger: logger}, nil
}

// Query runs an analytical statement.
func (p *OLAPPool) Query(ctx context.Context, sql string, args ...any) (driver.Rows, error) {
	start := time.Now()
	rows, err := p.conn.Query(ctx, sql, args...)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		p.logger.Warn("slow olap query",
			zap.Duration("elapsed", elapsed),
			zap.String("sql", truncateSQL(sql)))
	}
	return rows, err
}

// Exec runs a statement without result rows (DDL, inserts).
func (p *OLAPPool) Exec(ctx context.Context, sql string, args ...any) error {
	return p.conn.Exec(ctx, sql, args...)
}

// PrepareBatch opens a native-protocol batch insert; the sync applier
// uses this for bulk replication into ClickHouse.
func (p *OLAPPool) PrepareBatch(ctx context.Context, sql string) (driver.Batch, error) {
	return p.conn.PrepareBatch(ctx, sql)
}

// Ping verifies connectivity.
func (p *OLAPPool) Ping(ctx context.Context) error {
	return p.conn.Ping(ctx)
}

// Close releases the connection.
func (p *OLAPPool) Close() error {
	return p.conn.Close()
}

func truncateSQL(sql string) string {
	const max = 200
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
