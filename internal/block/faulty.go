package block

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// ErrInjected marks an error as deliberately injected by FaultyDevice,
// distinguishing it from a genuine underlying failure in tests.
var ErrInjected = errors.New("block: injected fault")

// FaultyConfig controls fault-injection rates for FaultyDevice. Each rate
// is a probability in [0,1]; the zero value injects nothing and 1 fails
// every call.
type FaultyConfig struct {
	ReadFailRate  float64
	WriteFailRate float64
}

// FaultyDevice wraps a Device and randomly fails reads/writes, for
// exercising the cache's and inode engine's handling of a misbehaving
// allocator/device (spec.md §7's AllocFailure and writeback-error paths).
type FaultyDevice struct {
	dev    Device
	cfg    FaultyConfig
	rngMu  sync.Mutex
	rng    *rand.Rand
	reads  atomic.Int64
	writes atomic.Int64
}

// NewFaultyDevice wraps dev with fault injection seeded by seed.
func NewFaultyDevice(dev Device, seed int64, cfg FaultyConfig) *FaultyDevice {
	return &FaultyDevice{dev: dev, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (d *FaultyDevice) NumSectors() uint32 { return d.dev.NumSectors() }

func (d *FaultyDevice) should(rate float64) bool {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.rng.Float64() < rate
}

func (d *FaultyDevice) ReadSector(ctx context.Context, num uint32, out *Sector) error {
	if d.should(d.cfg.ReadFailRate) {
		d.reads.Add(1)
		return fmt.Errorf("%w: read sector %d", ErrInjected, num)
	}
	return d.dev.ReadSector(ctx, num, out)
}

func (d *FaultyDevice) WriteSector(ctx context.Context, num uint32, in *Sector) error {
	if d.should(d.cfg.WriteFailRate) {
		d.writes.Add(1)
		return fmt.Errorf("%w: write sector %d", ErrInjected, num)
	}
	return d.dev.WriteSector(ctx, num, in)
}

// InjectedReads and InjectedWrites report how many faults have fired so
// far, for test assertions.
func (d *FaultyDevice) InjectedReads() int64  { return d.reads.Load() }
func (d *FaultyDevice) InjectedWrites() int64 { return d.writes.Load() }
