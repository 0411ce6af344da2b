package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TableStats is a point-in-time size estimate for one table. The query
// classifier consumes these to decide when a scan belongs on the
// analytical engine.
type TableStats struct {
	TableName    string
	RowEstimate  int64
	TotalBytes   int64
	DeadTuples   int64
	LastAnalyzed *time.Time
	CollectedAt  time.Time
}

// Monitor periodically samples table statistics from the transactional
// store and caches them for cheap synchronous reads.
type Monitor struct {
	pool     *OLTPPool
	logger   *zap.Logger
	interval time.Duration

	mu    sync.RWMutex
	stats map[string]TableStats

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor sampling at the given interval.
func NewMonitor(pool *OLTPPool, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		pool:     pool,
		logger:   logger,
		interval: interval,
		stats:    make(map[string]TableStats),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sampling loop. Call Stop to terminate.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		if err := m.refresh(ctx); err != nil {
			m.logger.Warn("initial table stats refresh failed", zap.Error(err))
		}

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.refresh(ctx); err != nil {
					m.logger.Warn("table stats refresh failed", zap.Error(err))
				}
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// TableStats returns the cached stats for a table, if sampled.
func (m *Monitor) TableStats(table string) (TableStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[table]
	return s, ok
}

// RowEstimate returns the cached row estimate, or 0 when unknown.
func (m *Monitor) RowEstimate(table string) int64 {
	if s, ok := m.TableStats(table); ok {
		return s.RowEstimate
	}
	return 0
}

// SetTableStats injects stats directly; tests and the classifier's
// manual overrides use this.
func (m *Monitor) SetTableStats(s TableStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CollectedAt = time.Now()
	m.stats[s.TableName] = s
}

func (m *Monitor) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := m.pool.Query(ctx, `
		SELECT relname,
		       n_live_tup,
		       pg_total_relation_size(relid),
		       n_dead_tup,
		       last_analyze
		FROM pg_stat_user_tables`)
	if err != nil {
		return fmt.Errorf("querying pg_stat_user_tables: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string]TableStats)
	now := time.Now()
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.RowEstimate, &s.TotalBytes, &s.DeadTuples, &s.LastAnalyzed); err != nil {
			return fmt.Errorf("scanning table stats: %w", err)
		}
		s.CollectedAt = now
		fresh[s.TableName] = s
	}
	if err := rows.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.stats = fresh
	m.mu.Unlock()

	m.logger.Debug("table stats refreshed", zap.Int("tables", len(fresh)))
	return nil
}
