package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
)

// memSource serves a fixed event log from memory.
type memSource struct {
	mu     stdsync.Mutex
	events []ChangeEvent
}

func (s *memSource) Fetch(_ context.Context, afterSeq int64, limit int) ([]ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChangeEvent
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memSource) Backlog(_ context.Context, afterSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			n++
		}
	}
	return n, nil
}

type memOffsets struct {
	mu     stdsync.Mutex
	seq    int64
	stores int
	fail   bool
}

func (o *memOffsets) Load(context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq, nil
}

func (o *memOffsets) last() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

func (o *memOffsets) Store(_ context.Context, seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		o.fail = false
		return assert.AnError
	}
	o.seq = seq
	o.stores++
	return nil
}

// memApplier records applied events per table.
type memApplier struct {
	mu      stdsync.Mutex
	applied map[string][]ChangeEvent
}

func newMemApplier() *memApplier {
	return &memApplier{applied: make(map[string][]ChangeEvent)}
}

func (a *memApplier) ApplyBatch(_ context.Context, table string, events []ChangeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied[table] = append(a.applied[table], events...)
	return nil
}

func (a *memApplier) all(table string) []ChangeEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ChangeEvent(nil), a.applied[table]...)
}

func event(seq int64, table, pk string, op Op, committed time.Time) ChangeEvent {
	return ChangeEvent{
		Seq:         seq,
		Table:       table,
		PK:          pk,
		Op:          op,
		AfterImage:  json.RawMessage(`{"v":1}`),
		CommittedAt: committed,
	}
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchSize:     100,
		WatermarkHigh: 10000,
		WatermarkLow:  2000,
		RetentionDays: 30,
		PollInterval:  5 * time.Millisecond,
		Appliers:      4,
	}
}

// runUntil drives the consumer until the condition holds or the
// deadline expires.
func runUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestConsumerAppliesInSeqOrderPerKey(t *testing.T) {
	base := time.Now()
	src := &memSource{}
	for i := int64(1); i <= 50; i++ {
		pk := "row-a"
		if i%2 == 0 {
			pk = "row-b"
		}
		src.events = append(src.events, event(i, "captures", pk, OpUpdate, base.Add(time.Duration(i)*time.Second)))
	}
	offsets := &memOffsets{}
	applier := newMemApplier()
	// Small batches so each key survives dedupe in several batches and
	// the cross-batch order is observable.
	cfg := testConfig()
	cfg.BatchSize = 10
	c := NewConsumer(cfg, src, offsets, applier, nil, zaptest.NewLogger(t))

	runUntil(t, c, func() bool {
		return offsets.last() == 50
	})

	var lastA, lastB int64
	for _, ev := range applier.all("captures") {
		switch ev.PK {
		case "row-a":
			require.Greater(t, ev.Seq, lastA, "per-key seq order violated")
			lastA = ev.Seq
		case "row-b":
			require.Greater(t, ev.Seq, lastB, "per-key seq order violated")
			lastB = ev.Seq
		}
	}
	assert.Equal(t, int64(50), offsets.last())
}

func TestConsumerResumesFromOffset(t *testing.T) {
	base := time.Now()
	src := &memSource{}
	for i := int64(1); i <= 10; i++ {
		src.events = append(src.events, event(i, "captures", "pk", OpUpdate, base.Add(time.Duration(i)*time.Second)))
	}
	offsets := &memOffsets{seq: 7}
	applier := newMemApplier()
	c := NewConsumer(testConfig(), src, offsets, applier, nil, zaptest.NewLogger(t))

	runUntil(t, c, func() bool {
		return offsets.last() == 10
	})

	applied := applier.all("captures")
	// LWW dedupe collapses same-key events inside one batch to the
	// latest, so a single event with seq 10 survives.
	require.Len(t, applied, 1)
	assert.Equal(t, int64(10), applied[0].Seq)
}

func TestConsumerReappliesAfterOffsetFailure(t *testing.T) {
	base := time.Now()
	src := &memSource{}
	src.events = append(src.events, event(1, "captures", "pk", OpUpdate, base))
	offsets := &memOffsets{fail: true}
	applier := newMemApplier()
	c := NewConsumer(testConfig(), src, offsets, applier, nil, zaptest.NewLogger(t))

	runUntil(t, c, func() bool {
		return offsets.last() == 1
	})

	// The failed offset store forces a replay: at-least-once, never
	// at-most-once.
	applied := applier.all("captures")
	assert.GreaterOrEqual(t, len(applied), 2)
}

func TestResolveConflictsLastWriteWins(t *testing.T) {
	base := time.Now()
	c := NewConsumer(testConfig(), &memSource{}, &memOffsets{}, newMemApplier(), nil, zaptest.NewLogger(t))

	events := []ChangeEvent{
		event(1, "captures", "pk", OpInsert, base.Add(2*time.Second)),
		// Later seq but earlier commit time: loses LWW.
		event(2, "captures", "pk", OpUpdate, base.Add(time.Second)),
		event(3, "captures", "other", OpUpdate, base),
	}
	out := c.resolveConflicts(events)

	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Seq)
	assert.Equal(t, "other", out[1].PK)
}

func TestResolveConflictsSeqBreaksTies(t *testing.T) {
	base := time.Now()
	c := NewConsumer(testConfig(), &memSource{}, &memOffsets{}, newMemApplier(), nil, zaptest.NewLogger(t))

	events := []ChangeEvent{
		event(1, "captures", "pk", OpUpdate, base),
		event(2, "captures", "pk", OpDelete, base),
	}
	out := c.resolveConflicts(events)

	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Seq)
	assert.Equal(t, OpDelete, out[0].Op)
}

func TestBatchSizeDegradesUnderBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.WatermarkHigh = 100
	cfg.WatermarkLow = 10

	base := time.Now()
	src := &memSource{}
	for i := int64(1); i <= 500; i++ {
		src.events = append(src.events, event(i, "captures", "pk", OpUpdate, base))
	}
	c := NewConsumer(cfg, src, &memOffsets{}, newMemApplier(), nil, zaptest.NewLogger(t))

	require.Equal(t, 100, c.batchSize)
	c.adjustBatchSize(context.Background(), 0)
	assert.Equal(t, 50, c.batchSize, "backlog past high watermark halves the batch")

	// Backlog below the low watermark recovers the batch size.
	c.adjustBatchSize(context.Background(), 495)
	assert.Equal(t, 100, c.batchSize)
}

func TestPartitionForIsStable(t *testing.T) {
	for _, pk := range []string{"a", "b", "row-17", ""} {
		p := partitionFor(pk, 4)
		for i := 0; i < 5; i++ {
			assert.Equal(t, p, partitionFor(pk, 4))
		}
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 4)
	}
}
