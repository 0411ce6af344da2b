package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/errors"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/database"
)

// Applier writes a slice of same-partition change events to the
// analytical store. Events arrive in seq order per primary key.
type Applier interface {
	ApplyBatch(ctx context.Context, table string, events []ChangeEvent) error
}

// OLAPApplier applies events as versioned inserts. Target tables are
// ReplacingMergeTree keyed on pk with seq as the version column, so a
// replayed event with a stale seq collapses away at merge time and the
// apply is idempotent. Deletes insert tombstone rows; PurgeTombstones
// removes them after the retention window.
type OLAPApplier struct {
	pool   *database.OLAPPool
	logger *zap.Logger
}

func NewOLAPApplier(pool *database.OLAPPool, logger *zap.Logger) *OLAPApplier {
	return &OLAPApplier{pool: pool, logger: logger}
}

func (a *OLAPApplier) ApplyBatch(ctx context.Context, table string, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.pool.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (pk, payload, seq, committed_at, is_deleted)", table))
	if err != nil {
		return errors.NewTransientError("SYNC_BATCH_PREPARE_FAILED", "preparing analytical insert").WithCause(err)
	}

	for _, ev := range events {
		deleted := uint8(0)
		payload := string(ev.AfterImage)
		if ev.Op == OpDelete {
			deleted = 1
			payload = ""
		}
		if err := batch.Append(ev.PK, payload, ev.Seq, ev.CommittedAt, deleted); err != nil {
			return errors.NewTransientError("SYNC_BATCH_APPEND_FAILED", "staging change event").WithCause(err)
		}
	}

	if err := batch.Send(); err != nil {
		return errors.NewTransientError("SYNC_BATCH_SEND_FAILED", "flushing analytical insert").WithCause(err)
	}
	return nil
}

// PurgeTombstones removes delete markers older than the retention
// window from one target table.
func (a *OLAPApplier) PurgeTombstones(ctx context.Context, table string, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	err := a.pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE is_deleted = 1 AND committed_at < ?", table), cutoff)
	if err != nil {
		return errors.NewTransientError("TOMBSTONE_PURGE_FAILED", "purging expired tombstones").WithCause(err)
	}
	a.logger.Info("tombstones purged",
		zap.String("table", table),
		zap.Time("cutoff", cutoff))
	return nil
}
