package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type summary struct {
	Machines int     `json:"machines"`
	KWh      float64 `json:"kwh"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, time.Minute, zaptest.NewLogger(t)), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var miss summary
	require.False(t, c.Get(ctx, KeyDashboardSummary, &miss))

	c.Set(ctx, KeyDashboardSummary, summary{Machines: 12, KWh: 3.5})

	var hit summary
	require.True(t, c.Get(ctx, KeyDashboardSummary, &hit))
	require.Equal(t, 12, hit.Machines)
	require.InDelta(t, 3.5, hit.KWh, 0.001)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, KeyDashboardSummary, summary{Machines: 1})
	c.Invalidate(ctx, KeyDashboardSummary)

	var out summary
	require.False(t, c.Get(ctx, KeyDashboardSummary, &out))
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, KeyDashboardSummary, summary{Machines: 1})
	mr.FastForward(2 * time.Minute)

	var out summary
	require.False(t, c.Get(ctx, KeyDashboardSummary, &out))
}

func TestCorruptEntryIsDropped(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(KeyDashboardSummary, "{not json"))

	var out summary
	require.False(t, c.Get(ctx, KeyDashboardSummary, &out))
	// The bad entry was evicted, not left to fail every read.
	require.False(t, mr.Exists(KeyDashboardSummary))
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	var out summary
	require.False(t, c.Get(ctx, KeyDashboardSummary, &out))
	c.Set(ctx, KeyDashboardSummary, summary{Machines: 1})
	c.Invalidate(ctx, KeyDashboardSummary)
	require.NoError(t, c.Close())
}
