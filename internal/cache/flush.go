package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultFlushInterval is the "few hundred device ticks" spec.md §4.1
// describes, translated to wall-clock time as the write-behind period.
const DefaultFlushInterval = 500 * time.Millisecond

// StartWriteBehind launches the background flusher: sleep interval,
// acquire the lock, write back every dirty entry (clearing dirty but not
// touching pin counts, accessed bits, or membership), repeat, until
// StopWriteBehind is called. Safe to call at most once per Cache.
func (c *Cache) StartWriteBehind(ctx context.Context, interval time.Duration) {
	flushCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(flushCtx)

	g.Go(func() error {
		for {
			if err := c.clk.Sleep(gctx, interval); err != nil {
				return nil // context cancelled: orderly shutdown, not an error
			}
			if err := c.flushOnce(gctx); err != nil {
				c.logger.Printf("cache: write-behind sweep failed: %v", err)
			}
		}
	})

	c.stopFlusher = cancel
	done := make(chan struct{})
	c.flusherDone = done
	go func() {
		_ = g.Wait()
		close(done)
	}()
}

// flushOnce performs one write-behind sweep: every dirty entry is written
// back and cleared, without eviction and without touching pins/accessed
// bits (spec.md §4.1).
func (c *Cache) flushOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushed := 0
	for _, e := range c.entries {
		if !e.dirty {
			continue
		}
		if err := c.dev.WriteSector(ctx, e.sector, &e.data); err != nil {
			return err
		}
		e.dirty = false
		flushed++
	}
	if flushed > 0 {
		c.metrics.FlushedSectors(flushed)
	}
	return nil
}

// StopWriteBehind cancels the flusher goroutine and waits for it to exit.
// Must be called before Shutdown (spec.md §9: "shutdown must stop it
// before close_cache"). A no-op if the flusher was never started.
func (c *Cache) StopWriteBehind() {
	if c.stopFlusher == nil {
		return
	}
	c.stopFlusher()
	<-c.flusherDone
}
