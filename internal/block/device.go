// Package block defines the fixed-size sector device the cache and
// inode engine sit on top of, plus an in-memory implementation for tests
// and a file-backed implementation for real use.
package block

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SectorSize is the fixed size of one sector, in bytes.
const SectorSize = 512

// Sector is one 512-byte sector image.
type Sector [SectorSize]byte

// ErrOutOfRange is returned when a sector number is >= NumSectors.
var ErrOutOfRange = errors.New("block: sector number out of range")

// Device is the raw, synchronous, blocking sector device consumed by the
// buffer cache. Implementations need not be safe for concurrent use by
// multiple goroutines without external synchronization; the cache
// serializes all device access under its own lock.
type Device interface {
	ReadSector(ctx context.Context, num uint32, out *Sector) error
	WriteSector(ctx context.Context, num uint32, in *Sector) error
	NumSectors() uint32
}

// MemDevice is an in-memory Device, used in tests and as a scratch device
// for short-lived filesystems.
type MemDevice struct {
	mu      sync.Mutex
	sectors []Sector
}

// NewMemDevice returns a MemDevice with the given capacity, zero-filled.
func NewMemDevice(numSectors uint32) *MemDevice {
	return &MemDevice{sectors: make([]Sector, numSectors)}
}

func (d *MemDevice) NumSectors() uint32 { return uint32(len(d.sectors)) }

func (d *MemDevice) ReadSector(_ context.Context, num uint32, out *Sector) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if num >= uint32(len(d.sectors)) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, num)
	}
	*out = d.sectors[num]
	return nil
}

func (d *MemDevice) WriteSector(_ context.Context, num uint32, in *Sector) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if num >= uint32(len(d.sectors)) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, num)
	}
	d.sectors[num] = *in
	return nil
}
