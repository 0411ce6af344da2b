package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, zaptest.NewLogger(t)), mr
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestGetMissIsTyped(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, IsMiss(err))
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, err := c.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Rows    int      `json:"rows"`
		Columns []string `json:"columns"`
	}
	in := payload{Rows: 42, Columns: []string{"domain", "count"}}
	require.NoError(t, c.SetJSON(ctx, "result", in, time.Minute))

	var out payload
	require.NoError(t, c.GetJSON(ctx, "result", &out))
	assert.Equal(t, in, out)
}

func TestSetNX(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTableDependencySets(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "deps:captures", "result:1", "result:2"))
	require.NoError(t, c.SAdd(ctx, "deps:captures", "result:2"))

	members, err := c.SMembers(ctx, "deps:captures")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"result:1", "result:2"}, members)

	require.NoError(t, c.DeleteMany(ctx, members))
	for _, k := range members {
		exists, err := c.Exists(ctx, k)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}
