package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/cache"
	"github.com/wicos64/blockfs/internal/clock"
)

func TestAcquireMissReadsThroughDevice(t *testing.T) {
	dev := block.NewMemDevice(8)
	var sec block.Sector
	copy(sec[:], "hello")
	require.NoError(t, dev.WriteSector(context.Background(), 3, &sec))

	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(4))
	h, err := c.Acquire(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(h.Sector()[:5]))
	c.Release(h, true, false)
}

func TestAcquireHitReturnsSameImage(t *testing.T) {
	dev := block.NewMemDevice(4)
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(4))
	ctx := context.Background()

	h1, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	h1.Sector()[0] = 'A'
	c.Release(h1, true, true)

	h2, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, byte('A'), h2.Sector()[0])
	c.Release(h2, true, false)

	assert.Equal(t, 1, c.Len())
}

func TestEvictionBoundsPopulationAtCapacity(t *testing.T) {
	dev := block.NewMemDevice(100)
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(64))
	ctx := context.Background()

	for s := uint32(0); s < 65; s++ {
		h, err := c.Acquire(ctx, s)
		require.NoError(t, err)
		c.Release(h, true, false)
	}

	assert.Equal(t, 64, c.Len())
}

func TestPinnedEntryNeverEvicted(t *testing.T) {
	dev := block.NewMemDevice(70)
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(2))
	ctx := context.Background()

	pinned, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	// Fill the cache and keep cycling; sector 0 stays pinned throughout.
	for s := uint32(1); s < 20; s++ {
		h, err := c.Acquire(ctx, s)
		require.NoError(t, err)
		c.Release(h, true, false)
	}

	stillThere, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, pinned.Sector(), stillThere.Sector())
	c.Release(stillThere, false, false)
	c.Release(pinned, false, false)
}

func TestWriteBehindFlushesDirtyEntriesOnFakeInterval(t *testing.T) {
	dev := block.NewMemDevice(4)
	fake := clock.NewFake(time.Unix(0, 0))
	c := cache.New(dev, fake, cache.WithCapacity(4))
	ctx := context.Background()

	h, err := c.Acquire(ctx, 2)
	require.NoError(t, err)
	h.Sector()[0] = 'Z'
	c.Release(h, true, true)

	c.StartWriteBehind(ctx, time.Second)
	fake.Advance(time.Second)
	// Give the flusher goroutine a moment to run its sweep.
	time.Sleep(20 * time.Millisecond)
	c.StopWriteBehind()

	var out block.Sector
	require.NoError(t, dev.ReadSector(ctx, 2, &out))
	assert.Equal(t, byte('Z'), out[0])
}

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		return mf.GetMetric()[0].GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestPrometheusMetricsCountHitsMissesAndEvictions(t *testing.T) {
	dev := block.NewMemDevice(8)
	reg := prometheus.NewRegistry()
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(1), cache.WithMetrics(cache.NewPrometheusMetrics(reg)))
	ctx := context.Background()

	h, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	c.Release(h, true, false)
	assert.Equal(t, float64(1), gatherCounter(t, reg, "blockfs_cache_misses_total"))

	h, err = c.Acquire(ctx, 0)
	require.NoError(t, err)
	c.Release(h, true, false)
	assert.Equal(t, float64(1), gatherCounter(t, reg, "blockfs_cache_hits_total"))

	// Capacity 1: acquiring a second sector must evict the first.
	h, err = c.Acquire(ctx, 1)
	require.NoError(t, err)
	c.Release(h, true, false)
	assert.Equal(t, float64(1), gatherCounter(t, reg, "blockfs_cache_evictions_total"))
}

func TestShutdownFlushesDirtyEntries(t *testing.T) {
	dev := block.NewMemDevice(4)
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(4))
	ctx := context.Background()

	h, err := c.Acquire(ctx, 1)
	require.NoError(t, err)
	h.Sector()[0] = 'Q'
	c.Release(h, true, true)

	require.NoError(t, c.Shutdown(ctx))

	var out block.Sector
	require.NoError(t, dev.ReadSector(ctx, 1, &out))
	assert.Equal(t, byte('Q'), out[0])
	assert.Equal(t, 0, c.Len())
}
