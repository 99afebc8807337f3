package cache

import (
	"context"
	"testing"
	"time"

	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStats struct {
	rows  map[uint]models.PriceStatistics
	reads int
}

func (f *fakeStats) Statistics(_ context.Context, id uint) (models.PriceStatistics, error) {
	f.reads++
	st, ok := f.rows[id]
	if !ok {
		return models.PriceStatistics{}, store.ErrNotFound
	}
	return st, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestStatisticsReadThrough(t *testing.T) {
	mr, rdb := newRedis(t)
	src := &fakeStats{rows: map[uint]models.PriceStatistics{7: {ItemClassID: 7, MeanPrice: 99.5, SaleCount: 400}}}
	c := NewStatisticsCache(rdb, src, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	st, err := c.Statistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 99.5, st.MeanPrice)
	assert.Equal(t, 1, src.reads)
	assert.True(t, mr.Exists("arbiter:stats:7"))

	st, err = c.Statistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 400, st.SaleCount)
	assert.Equal(t, 1, src.reads, "second read is served from redis")

	mr.FastForward(2 * time.Minute)
	_, err = c.Statistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, src.reads, "expired entry goes back to the store")
}

func TestStatisticsMissPropagatesNotFound(t *testing.T) {
	_, rdb := newRedis(t)
	c := NewStatisticsCache(rdb, &fakeStats{}, time.Minute, nil)
	_, err := c.Statistics(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatisticsFallsBackWhenRedisIsDown(t *testing.T) {
	mr, rdb := newRedis(t)
	src := &fakeStats{rows: map[uint]models.PriceStatistics{3: {ItemClassID: 3, MeanPrice: 5}}}
	c := NewStatisticsCache(rdb, src, time.Minute, zaptest.NewLogger(t))
	mr.Close()

	st, err := c.Statistics(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, st.MeanPrice)
}

func TestSetOverwritesAndInvalidate(t *testing.T) {
	mr, rdb := newRedis(t)
	src := &fakeStats{rows: map[uint]models.PriceStatistics{}}
	c := NewStatisticsCache(rdb, src, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, models.PriceStatistics{ItemClassID: 4, MeanPrice: 1}))
	st, err := c.Statistics(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.MeanPrice)
	assert.Zero(t, src.reads)

	require.NoError(t, c.Invalidate(ctx, 4))
	assert.False(t, mr.Exists("arbiter:stats:4"))
}

func TestInFlightGuard(t *testing.T) {
	mr, rdb := newRedis(t)
	g := NewInFlightGuard(rdb, time.Minute)
	ctx := context.Background()

	release, ok, err := g.Acquire(ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = g.Acquire(ctx, "L1")
	require.NoError(t, err)
	assert.False(t, ok, "second caller is refused while the first holds the marker")

	_, ok, err = g.Acquire(ctx, "L2")
	require.NoError(t, err)
	assert.True(t, ok)

	release()
	release()
	assert.False(t, mr.Exists("arbiter:inflight:L1"))

	_, ok, err = g.Acquire(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInFlightGuardReleaseKeepsForeignMarker(t *testing.T) {
	mr, rdb := newRedis(t)
	g := NewInFlightGuard(rdb, time.Second)
	ctx := context.Background()

	release, ok, err := g.Acquire(ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)

	// marker expires and someone else takes it
	mr.FastForward(2 * time.Second)
	_, ok, err = g.Acquire(ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists("arbiter:inflight:L1"))
}
