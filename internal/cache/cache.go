// Package cache implements the bounded, associative, write-back buffer
// cache shared by every on-disk access in the inode engine: clock-based
// eviction, pin counts, and a periodic background flusher. Grounded on
// the Pintos cache.c algorithm (original_source/filesys/cache.c), with
// its "if (e = list_end(...))" clock-wrap bug fixed (see checkInvariants
// and evictLocked below) rather than reproduced.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/clock"
)

// DefaultCapacity is the maximum number of resident sector entries
// (spec.md §3: "at most 64").
const DefaultCapacity = 64

// entry is one resident sector image. GUARDED_BY(Cache.mu).
type entry struct {
	sector   uint32
	data     block.Sector
	accessed bool
	dirty    bool
	pin      int
}

// Cache is the bounded, associative, write-back sector cache.
type Cache struct {
	dev      block.Device
	clk      clock.Clock
	capacity int
	metrics  Metrics
	logger   *log.Logger

	mu syncutil.InvariantMutex

	// entries is the cache set in insertion order; cursor is the clock
	// hand's index into entries, or -1 when entries is empty.
	// GUARDED_BY(mu)
	entries []*entry
	index   map[uint32]int // sector -> index into entries, GUARDED_BY(mu)
	cursor  int            // GUARDED_BY(mu)

	stopFlusher context.CancelFunc
	flusherDone chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithCapacity overrides DefaultCapacity, mainly for tests that want to
// exercise eviction without touching 64 sectors.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithMetrics installs a Metrics sink; the default is NoopMetrics.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger installs a *log.Logger for write-behind/eviction diagnostics;
// the default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New constructs a Cache over dev. It does not start the write-behind
// flusher; call StartWriteBehind separately (spec.md §9: "shutdown must
// stop it before close_cache" is easiest to guarantee when starting it is
// also an explicit, separate step).
func New(dev block.Device, clk clock.Clock, opts ...Option) *Cache {
	c := &Cache{
		dev:      dev,
		clk:      clk,
		capacity: DefaultCapacity,
		metrics:  NoopMetrics{},
		logger:   log.New(discard{}, "", 0),
		index:    make(map[uint32]int),
		cursor:   -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (c *Cache) checkInvariants() {
	if len(c.entries) > c.capacity {
		panic(fmt.Sprintf("cache: population %d exceeds capacity %d", len(c.entries), c.capacity))
	}
	if len(c.entries) == 0 {
		if c.cursor != -1 {
			panic("cache: cursor must be -1 when empty")
		}
	} else if c.cursor < 0 || c.cursor >= len(c.entries) {
		panic(fmt.Sprintf("cache: cursor %d out of range for %d entries", c.cursor, len(c.entries)))
	}
	seen := make(map[uint32]struct{}, len(c.entries))
	for i, e := range c.entries {
		if e.pin < 0 {
			panic(fmt.Sprintf("cache: negative pin count for sector %d", e.sector))
		}
		if _, dup := seen[e.sector]; dup {
			panic(fmt.Sprintf("cache: duplicate entry for sector %d", e.sector))
		}
		seen[e.sector] = struct{}{}
		if c.index[e.sector] != i {
			panic(fmt.Sprintf("cache: index mismatch for sector %d", e.sector))
		}
	}
}

// Handle is a pinned reference to a resident sector. Every Acquire must be
// paired with exactly one Release.
type Handle struct {
	c      *Cache
	sector uint32
	data   *block.Sector
}

// Sector returns the pinned sector image. The returned pointer is valid
// until the matching Release.
func (h *Handle) Sector() *block.Sector { return h.data }

// SectorNum returns the sector number this handle mirrors.
func (h *Handle) SectorNum() uint32 { return h.sector }

// Acquire returns a pinned handle mirroring sector, reading it from the
// device on a miss (evicting one entry first if the cache is full).
func (c *Cache) Acquire(ctx context.Context, sector uint32) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[sector]; ok {
		e := c.entries[i]
		e.pin++
		c.metrics.Hit()
		return &Handle{c: c, sector: sector, data: &e.data}, nil
	}

	c.metrics.Miss()
	if len(c.entries) >= c.capacity {
		if err := c.evictLocked(ctx); err != nil {
			return nil, err
		}
	}

	e := &entry{sector: sector, accessed: true, dirty: false, pin: 1}
	if err := c.dev.ReadSector(ctx, sector, &e.data); err != nil {
		return nil, fmt.Errorf("cache: fill sector %d: %w", sector, err)
	}

	c.entries = append(c.entries, e)
	c.index[sector] = len(c.entries) - 1
	if c.cursor == -1 {
		c.cursor = 0
	}
	return &Handle{c: c, sector: sector, data: &e.data}, nil
}

// Release unpins h, folding in the accessed/dirty bits the caller
// observed (bits are OR'd in, never cleared, matching spec.md §4.1).
func (c *Cache) Release(h *Handle, accessed, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[h.sector]
	if !ok {
		panic(fmt.Sprintf("cache: release of unknown sector %d", h.sector))
	}
	e := c.entries[i]
	e.accessed = e.accessed || accessed
	e.dirty = e.dirty || dirty
	e.pin--
	if e.pin < 0 {
		panic(fmt.Sprintf("cache: pin count underflow for sector %d", h.sector))
	}
}

// evictLocked runs one clock sweep and removes one unpinned, not-recently-
// accessed entry. Must be called with c.mu held. Blocks (looping, briefly
// releasing the lock between passes) if every entry is currently pinned,
// since the design assumes pins are held only for the duration of a single
// memcpy and are not expected to saturate (spec.md §4.1, §9).
func (c *Cache) evictLocked(ctx context.Context) error {
	for {
		if len(c.entries) == 0 {
			return nil
		}

		start := c.cursor
		examined := 0
		for examined < 2*len(c.entries) {
			e := c.entries[c.cursor]
			switch {
			case e.pin > 0:
				// Skip; do not touch the accessed bit.
			case e.accessed:
				e.accessed = false
			default:
				if e.dirty {
					if err := c.dev.WriteSector(ctx, e.sector, &e.data); err != nil {
						return fmt.Errorf("cache: evict flush sector %d: %w", e.sector, err)
					}
					c.metrics.FlushedSectors(1)
				}
				c.removeLocked(c.cursor)
				c.metrics.Eviction()
				return nil
			}

			if c.cursor == len(c.entries)-1 {
				c.cursor = 0
			} else {
				c.cursor++
			}
			examined++
		}

		// Every entry is pinned. Release the lock briefly so pin-holders
		// (each holding a pin only across one memcpy, per spec.md §4.1)
		// can finish and release, then retry; this bounds the spin instead
		// of deadlocking the way the unfixed original could. This is a
		// lock-contention backoff, not a business-logic interval, so it
		// uses the real clock directly rather than the injectable one.
		c.logger.Printf("cache: all %d entries pinned at cursor %d, retrying eviction", len(c.entries), start)
		c.mu.Unlock()
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			c.mu.Lock()
			return ctx.Err()
		}
		c.mu.Lock()
	}
}

// removeLocked drops entries[i] from the set, fixing up the index map and
// the remaining entries' index positions, and advances the cursor past
// the removed slot. Must be called with c.mu held.
func (c *Cache) removeLocked(i int) {
	sector := c.entries[i].sector
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	delete(c.index, sector)
	for j := i; j < len(c.entries); j++ {
		c.index[c.entries[j].sector] = j
	}

	switch {
	case len(c.entries) == 0:
		c.cursor = -1
	case i >= len(c.entries):
		c.cursor = 0
	default:
		c.cursor = i
	}
}

// Shutdown flushes every dirty entry to the device and drops the cache.
// Callers must stop any write-behind goroutine (StopWriteBehind) before
// calling Shutdown, so no flusher sweep races the final drain.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushed := 0
	for _, e := range c.entries {
		if e.dirty {
			if err := c.dev.WriteSector(ctx, e.sector, &e.data); err != nil {
				return fmt.Errorf("cache: shutdown flush sector %d: %w", e.sector, err)
			}
			flushed++
		}
	}
	c.metrics.FlushedSectors(flushed)
	c.entries = nil
	c.index = make(map[uint32]int)
	c.cursor = -1
	return nil
}

// Len reports the current cache population, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
