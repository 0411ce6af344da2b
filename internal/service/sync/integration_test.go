//go:build integration

package sync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/database"
)

// startPostgres brings up a throwaway Postgres and applies the change
// stream schema from the real migration file, so the test exercises the
// same DDL the deployment runs.
func startPostgres(t *testing.T) *database.OLTPPool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chronicle_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := database.NewOLTPPool(ctx,
		&config.DatabaseConfig{URL: connStr},
		config.PoolConfig{
			MaxConns:            4,
			IdleTimeout:         time.Minute,
			MaxLifetime:         10 * time.Minute,
			HealthCheckInterval: time.Minute,
		},
		zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// Apply every up migration in order. The simple protocol accepts
	// multi-statement strings, which the trigger function DDL needs.
	paths, err := filepath.Glob(filepath.Join("..", "..", "..", "migrations", "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	sort.Strings(paths)
	for _, p := range paths {
		ddl, err := os.ReadFile(p)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(ddl), pgx.QueryExecModeSimpleProtocol)
		require.NoError(t, err)
	}

	return pool
}

func insertEvent(t *testing.T, pool *database.OLTPPool, table, pk string, op Op, payload string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO change_events (table_name, pk, op, after_image) VALUES ($1, $2, $3, $4)`,
		table, pk, string(op), payload)
	require.NoError(t, err)
}

func TestPGSourceFetchesInSeqOrder(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	src := NewPGSource(pool)

	insertEvent(t, pool, "captures", "c1", OpInsert, `{"url":"https://a.example/"}`)
	insertEvent(t, pool, "captures", "c2", OpInsert, `{"url":"https://b.example/"}`)
	insertEvent(t, pool, "captures", "c1", OpDelete, `{}`)

	events, err := src.Fetch(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	require.Equal(t, "c1", events[0].PK)
	require.Equal(t, OpDelete, events[2].Op)

	// Fetch after the second seq only returns the tail.
	tail, err := src.Fetch(ctx, events[1].Seq, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, events[2].Seq, tail[0].Seq)

	backlog, err := src.Backlog(ctx, events[0].Seq)
	require.NoError(t, err)
	require.EqualValues(t, 2, backlog)
}

func TestOutboxTriggerEmitsChangeStream(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	src := NewPGSource(pool)

	const capID = "3f0e8a4c-9d12-4b7a-8f31-6c2a5e9d0b44"
	_, err := pool.Exec(ctx,
		`INSERT INTO captures (id, original_url, ts, source) VALUES ($1, $2, $3, $4)`,
		capID, "https://a.example/", "20260101000000", "WAYBACK")
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`UPDATE captures SET extraction_failed = TRUE WHERE id = $1`, capID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM captures WHERE id = $1`, capID)
	require.NoError(t, err)

	events, err := src.Fetch(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Equal(t, OpInsert, events[0].Op)
	require.Equal(t, OpUpdate, events[1].Op)
	require.Equal(t, OpDelete, events[2].Op)
	for _, ev := range events {
		require.Equal(t, "captures", ev.Table)
		require.Equal(t, capID, ev.PK)
	}
	require.Contains(t, string(events[0].AfterImage), "https://a.example/")
	require.Contains(t, string(events[1].AfterImage), `"extraction_failed": true`)
	require.Empty(t, events[2].AfterImage)
}

func TestPGOffsetStoreRoundTrip(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	offsets := NewPGOffsetStore(pool, "itest-sync")

	seq, err := offsets.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)

	require.NoError(t, offsets.Store(ctx, 42))
	require.NoError(t, offsets.Store(ctx, 97))

	seq, err = offsets.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 97, seq)

	// Offsets are tracked per consumer name.
	other := NewPGOffsetStore(pool, "itest-other")
	seq, err = other.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)
}

func TestConsumerEndToEndAgainstPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		insertEvent(t, pool, "captures", "row-"+string(rune('a'+i%5)), OpUpdate, `{"n":1}`)
	}

	src := NewPGSource(pool)
	offsets := NewPGOffsetStore(pool, "itest-e2e")
	applier := newMemApplier()

	consumer := NewConsumer(config.SyncConfig{
		BatchSize:     8,
		WatermarkHigh: 1000,
		WatermarkLow:  100,
		PollInterval:  50 * time.Millisecond,
		Appliers:      2,
	}, src, offsets, applier, nil, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		seq, err := offsets.Load(context.Background())
		return err == nil && seq >= 20
	}, 20*time.Second, 100*time.Millisecond)

	cancel()
	<-done

	// Same-key events collapse within a batch, but every key survives.
	seen := map[string]bool{}
	for _, ev := range applier.all("captures") {
		seen[ev.PK] = true
	}
	require.Len(t, seen, 5)
}
