package sync

import (
	"context"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
	"github.com/chronicle-archive/chronicle-backend/internal/metrics"
)

// BacklogEstimator is an optional Source capability. When available,
// the consumer uses the backlog to drive watermark backpressure.
type BacklogEstimator interface {
	Backlog(ctx context.Context, afterSeq int64) (int64, error)
}

// Consumer drains the change stream and applies it to the analytical
// store. Delivery is at-least-once: the offset advances only after a
// whole batch is applied, so a crash replays the tail and the
// versioned inserts absorb the duplicates.
//
// Per-key ordering: events are hash-partitioned by primary key across
// the appliers, and each partition applies its events in seq order.
type Consumer struct {
	cfg     config.SyncConfig
	source  Source
	offsets OffsetStore
	applier Applier
	metrics *metrics.Registry
	logger  *zap.Logger

	// batchSize degrades under backpressure and recovers when the
	// backlog drains; it never drops below minBatchSize.
	batchSize int
}

const minBatchSize = 50

func NewConsumer(cfg config.SyncConfig, source Source, offsets OffsetStore, applier Applier, reg *metrics.Registry, logger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Appliers <= 0 {
		cfg.Appliers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Consumer{
		cfg:       cfg,
		source:    source,
		offsets:   offsets,
		applier:   applier,
		metrics:   reg,
		logger:    logger,
		batchSize: cfg.BatchSize,
	}
}

// Run consumes until the context is cancelled. It resumes from the
// last persisted offset.
func (c *Consumer) Run(ctx context.Context) error {
	seq, err := c.offsets.Load(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("sync consumer starting",
		zap.Int64("resume_seq", seq),
		zap.Int("batch_size", c.batchSize),
		zap.Int("appliers", c.cfg.Appliers))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		applied, lastSeq, err := c.cycle(ctx, seq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("sync cycle failed, retrying", zap.Error(err))
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if applied == 0 {
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		seq = lastSeq
	}
}

// cycle fetches and applies one batch, returning the number of events
// applied and the new offset.
func (c *Consumer) cycle(ctx context.Context, afterSeq int64) (int, int64, error) {
	c.adjustBatchSize(ctx, afterSeq)

	events, err := c.source.Fetch(ctx, afterSeq, c.batchSize)
	if err != nil {
		return 0, afterSeq, err
	}
	if len(events) == 0 {
		return 0, afterSeq, nil
	}

	start := time.Now()
	deduped := c.resolveConflicts(events)

	if err := c.apply(ctx, deduped); err != nil {
		return 0, afterSeq, err
	}

	lastSeq := events[len(events)-1].Seq
	if err := c.offsets.Store(ctx, lastSeq); err != nil {
		// The batch is applied but the offset is not: the tail replays
		// on the next cycle and the versioned inserts absorb it.
		return 0, afterSeq, err
	}

	if c.metrics != nil {
		c.metrics.SetSyncLag(time.Since(events[len(events)-1].CommittedAt))
	}
	c.logger.Debug("sync batch applied",
		zap.Int("events", len(events)),
		zap.Int64("last_seq", lastSeq),
		zap.Duration("elapsed", time.Since(start)))

	return len(events), lastSeq, nil
}

// resolveConflicts collapses same-key events within a batch to the
// last write by commit time, seq breaking ties. Later-seq events with
// an earlier commit time lose; dropped events are counted as resolved
// conflicts.
func (c *Consumer) resolveConflicts(events []ChangeEvent) []ChangeEvent {
	type key struct {
		table string
		pk    string
	}
	winners := make(map[key]int, len(events))
	dropped := make(map[int]struct{})

	for i, ev := range events {
		k := key{ev.Table, ev.PK}
		j, seen := winners[k]
		if !seen {
			winners[k] = i
			continue
		}
		prev := events[j]
		if ev.CommittedAt.After(prev.CommittedAt) ||
			(ev.CommittedAt.Equal(prev.CommittedAt) && ev.Seq > prev.Seq) {
			dropped[j] = struct{}{}
			winners[k] = i
		} else {
			dropped[i] = struct{}{}
		}
		if c.metrics != nil {
			c.metrics.SyncConflictResolved(ev.Table)
		}
	}

	if len(dropped) == 0 {
		return events
	}
	out := make([]ChangeEvent, 0, len(events)-len(dropped))
	for i, ev := range events {
		if _, gone := dropped[i]; !gone {
			out = append(out, ev)
		}
	}
	return out
}

// apply hash-partitions the batch by primary key and applies the
// partitions concurrently, each grouped by table in seq order.
func (c *Consumer) apply(ctx context.Context, events []ChangeEvent) error {
	partitions := make([][]ChangeEvent, c.cfg.Appliers)
	for _, ev := range events {
		p := partitionFor(ev.PK, c.cfg.Appliers)
		partitions[p] = append(partitions[p], ev)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range partitions {
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			return c.applyPartition(gctx, part)
		})
	}
	return g.Wait()
}

// applyPartition groups one partition's events by table, preserving
// seq order inside each group, and applies the groups sequentially.
func (c *Consumer) applyPartition(ctx context.Context, events []ChangeEvent) error {
	byTable := make(map[string][]ChangeEvent)
	var tables []string
	for _, ev := range events {
		if _, ok := byTable[ev.Table]; !ok {
			tables = append(tables, ev.Table)
		}
		byTable[ev.Table] = append(byTable[ev.Table], ev)
	}

	for _, table := range tables {
		group := byTable[table]
		start := time.Now()
		if err := c.applier.ApplyBatch(ctx, table, group); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.SyncBatchApplied(table, len(group), time.Since(start))
		}
	}
	return nil
}

// adjustBatchSize reacts to the source backlog: past the high
// watermark each cycle shrinks the batch to bound per-cycle memory,
// and once the backlog drains past the low watermark the batch grows
// back toward its configured size. Events are never dropped.
func (c *Consumer) adjustBatchSize(ctx context.Context, afterSeq int64) {
	est, ok := c.source.(BacklogEstimator)
	if !ok {
		return
	}
	backlog, err := est.Backlog(ctx, afterSeq)
	if err != nil {
		c.logger.Debug("backlog estimate failed", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.SetSyncQueueDepth(backlog)
	}

	switch {
	case backlog > int64(c.cfg.WatermarkHigh) && c.batchSize > minBatchSize:
		c.batchSize /= 2
		if c.batchSize < minBatchSize {
			c.batchSize = minBatchSize
		}
		c.logger.Warn("sync backpressure, degrading batch size",
			zap.Int64("backlog", backlog),
			zap.Int("batch_size", c.batchSize))
	case backlog < int64(c.cfg.WatermarkLow) && c.batchSize < c.cfg.BatchSize:
		c.batchSize *= 2
		if c.batchSize > c.cfg.BatchSize {
			c.batchSize = c.cfg.BatchSize
		}
	}
}

func partitionFor(pk string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(pk))
	return int(h.Sum32() % uint32(n))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
