package inode

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/cache"
	"github.com/wicos64/blockfs/internal/freemap"
)

// ErrInvariantViolation is raised (as a panic, caught nowhere — spec.md
// §7 calls this class "fail fast") when a caller misuses deny/allow-write
// pairing or another structural invariant is violated.
var ErrInvariantViolation = errors.New("inode: invariant violation")

// ErrNotFound is returned by Open when no valid inode lives at a sector.
var ErrNotFound = errors.New("inode: not found")

// Allocator is the free-sector allocator the engine consumes. Not
// thread-safe on its own; the engine serializes access through the same
// mutex that guards the open-inode registry (spec.md §5).
type Allocator interface {
	Allocate() (sector uint32, ok bool)
	Release(sector uint32)
}

// Engine owns the open-inode registry and translates inode-engine
// operations into device/cache/free-map activity. One Engine corresponds
// to one mounted device.
type Engine struct {
	dev        block.Device
	cache      *cache.Cache
	freemap    Allocator
	rootSector uint32

	mu       syncutil.InvariantMutex
	registry map[uint32]*Inode // GUARDED_BY(mu)
}

// NewEngine constructs an Engine. rootSector is the sector a freshly
// created inode's parent points to before the directory layer patches it
// (spec.md §4.2's "create" operation).
func NewEngine(dev block.Device, c *cache.Cache, fm Allocator, rootSector uint32) *Engine {
	e := &Engine{dev: dev, cache: c, freemap: fm, rootSector: rootSector, registry: make(map[uint32]*Inode)}
	e.mu = syncutil.NewInvariantMutex(e.checkInvariants)
	return e
}

func (e *Engine) checkInvariants() {
	for sector, in := range e.registry {
		if in.sector != sector {
			panic(fmt.Sprintf("inode: registry key %d does not match inode sector %d", sector, in.sector))
		}
		if in.denyWriteCnt < 0 || in.denyWriteCnt > in.oc.count {
			panic(fmt.Sprintf("%v: sector %d deny_write_cnt=%d open_cnt=%d", ErrInvariantViolation, sector, in.denyWriteCnt, in.oc.count))
		}
	}
}

// Inode is the in-memory open inode (spec.md §3's "in-memory open inode").
type Inode struct {
	eng    *Engine
	sector uint32

	// Mutable state, all GUARDED_BY(eng.mu).
	rec          onDiskRecord
	oc           openCount
	denyWriteCnt int
	removed      bool
}

// Create writes a new on-disk inode record at sector and allocates/zero-
// fills enough data sectors to cover length bytes. Partial allocation on
// allocator exhaustion is not rolled back (spec.md §4.2).
func (e *Engine) Create(ctx context.Context, sector uint32, length int64, isDir bool) (bool, error) {
	rec := &onDiskRecord{parent: e.rootSector, isDir: isDir, length: int32(length)}

	want := bytesToSectors(length)
	allocated := 0
	ok := true

	// Direct slots.
	for allocated < want && allocated < NumDirect {
		s, got := e.freemap.Allocate()
		if !got {
			ok = false
			break
		}
		if err := e.zeroSector(ctx, s); err != nil {
			return false, err
		}
		rec.blocks[allocated] = s
		allocated++
	}

	// Single-indirect region.
	if ok && allocated < want {
		s, got := e.freemap.Allocate()
		if !got {
			ok = false
		} else {
			rec.blocks[indirectIdx] = s
			var ib indirectBlock
			for allocated < want && allocated-NumDirect < PointersPerIndirect {
				ds, got := e.freemap.Allocate()
				if !got {
					ok = false
					break
				}
				if err := e.zeroSector(ctx, ds); err != nil {
					return false, err
				}
				ib[allocated-NumDirect] = ds
				allocated++
			}
			if err := e.writeIndirectViaCache(ctx, s, &ib); err != nil {
				return false, err
			}
		}
	}

	// Doubly-indirect region.
	if ok && allocated < want {
		s, got := e.freemap.Allocate()
		if !got {
			ok = false
		} else {
			rec.blocks[doublyIndirectIdx] = s
			var first indirectBlock
			k := 0
			for allocated < want && k < PointersPerIndirect {
				fs, got := e.freemap.Allocate()
				if !got {
					ok = false
					break
				}
				first[k] = fs
				var second indirectBlock
				l := 0
				for allocated < want && l < PointersPerIndirect {
					ds, got := e.freemap.Allocate()
					if !got {
						ok = false
						break
					}
					if err := e.zeroSector(ctx, ds); err != nil {
						return false, err
					}
					second[l] = ds
					l++
					allocated++
				}
				if err := e.writeIndirectViaCache(ctx, fs, &second); err != nil {
					return false, err
				}
				k++
				if !ok {
					break
				}
			}
			if err := e.writeIndirectViaCache(ctx, s, &first); err != nil {
				return false, err
			}
		}
	}

	if !ok {
		return false, nil
	}

	sec := encodeRecord(rec)
	if err := e.dev.WriteSector(ctx, sector, &sec); err != nil {
		return false, fmt.Errorf("inode: write record at %d: %w", sector, err)
	}
	return true, nil
}

func (e *Engine) zeroSector(ctx context.Context, s uint32) error {
	var zero block.Sector
	if err := e.dev.WriteSector(ctx, s, &zero); err != nil {
		return fmt.Errorf("inode: zero sector %d: %w", s, err)
	}
	return nil
}

// writeIndirectViaCache pushes an indirect-block image through the
// buffer cache (rather than a raw device write) so that byte_to_sector's
// cache-mediated reads of the same sector (spec.md §4.2) always see the
// latest bookkeeping, keeping the "dirty entry is authoritative" invariant
// intact even though leaf data sectors are zeroed with direct writes.
func (e *Engine) writeIndirectViaCache(ctx context.Context, sector uint32, ib *indirectBlock) error {
	h, err := e.cache.Acquire(ctx, sector)
	if err != nil {
		return err
	}
	*h.Sector() = encodeIndirect(ib)
	e.cache.Release(h, true, true)
	return nil
}

func (e *Engine) readIndirectViaCache(ctx context.Context, sector uint32) (indirectBlock, error) {
	h, err := e.cache.Acquire(ctx, sector)
	if err != nil {
		return indirectBlock{}, err
	}
	ib := decodeIndirect(h.Sector())
	e.cache.Release(h, true, false)
	return ib, nil
}

// Open returns the in-memory inode for sector, creating and registering
// one on first open, or incrementing the existing entry's open count
// (spec.md §4.2).
func (e *Engine) Open(ctx context.Context, sector uint32) (*Inode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if in, ok := e.registry[sector]; ok {
		in.oc.inc()
		return in, nil
	}

	var sec block.Sector
	if err := e.dev.ReadSector(ctx, sector, &sec); err != nil {
		return nil, fmt.Errorf("inode: read sector %d: %w", sector, err)
	}
	rec, err := decodeRecord(&sec)
	if err != nil {
		return nil, fmt.Errorf("%w: sector %d: %v", ErrNotFound, sector, err)
	}

	in := &Inode{eng: e, sector: sector, rec: *rec}
	// destroy runs whenever the open count reaches zero, which may be long
	// after the ctx passed to this Open call has been cancelled — it gets
	// its own background context rather than capturing this one.
	in.oc = openCount{destroy: func() error { return e.destroy(context.Background(), in) }}
	in.oc.inc()
	e.registry[sector] = in
	return in, nil
}

// Reopen increments in's open count (idempotent under a matching Close).
func (e *Engine) Reopen(in *Inode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in.oc.inc()
}

// Close decrements in's open count. On reaching zero, the registry entry
// is dropped and either the removed-file block-reclaim walk or a plain
// record writeback runs (spec.md §4.2).
func (e *Engine) Close(in *Inode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in.oc.dec()
}

// destroy runs exactly once, when in's open count reaches zero, still
// under e.mu (it is invoked synchronously from openCount.dec).
func (e *Engine) destroy(ctx context.Context, in *Inode) error {
	delete(e.registry, in.sector)

	if in.removed {
		return e.reclaim(ctx, in)
	}
	sec := encodeRecord(&in.rec)
	if err := e.dev.WriteSector(ctx, in.sector, &sec); err != nil {
		return fmt.Errorf("inode: writeback sector %d: %w", in.sector, err)
	}
	return nil
}

// reclaim releases the inode's own sector and every data/indirect sector
// it references, walking direct slots, then the indirect block, then the
// doubly-indirect tree, until the recorded sector count has been released
// (spec.md §4.2's inode_close reclaim walk).
func (e *Engine) reclaim(ctx context.Context, in *Inode) error {
	e.freemap.Release(in.sector)

	remaining := bytesToSectors(int64(in.rec.length))
	if remaining == 0 {
		return nil
	}

	for i := 0; i < NumDirect && remaining > 0; i++ {
		e.freemap.Release(in.rec.blocks[i])
		remaining--
	}
	if remaining == 0 {
		return nil
	}

	ib, err := e.readIndirectViaCache(ctx, in.rec.blocks[indirectIdx])
	if err != nil {
		return err
	}
	for j := 0; j < PointersPerIndirect && remaining > 0; j++ {
		e.freemap.Release(ib[j])
		remaining--
	}
	e.freemap.Release(in.rec.blocks[indirectIdx])
	if remaining == 0 {
		return nil
	}

	first, err := e.readIndirectViaCache(ctx, in.rec.blocks[doublyIndirectIdx])
	if err != nil {
		return err
	}
	for k := 0; k < PointersPerIndirect && remaining > 0; k++ {
		second, err := e.readIndirectViaCache(ctx, first[k])
		if err != nil {
			return err
		}
		for l := 0; l < PointersPerIndirect && remaining > 0; l++ {
			e.freemap.Release(second[l])
			remaining--
		}
		e.freemap.Release(first[k])
	}
	e.freemap.Release(in.rec.blocks[doublyIndirectIdx])
	return nil
}

// Remove marks in to be reclaimed when its open count reaches zero.
func (e *Engine) Remove(in *Inode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in.removed = true
}

// DenyWrite increments in's deny-write count.
func (e *Engine) DenyWrite(in *Inode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in.denyWriteCnt++
	if in.denyWriteCnt > in.oc.count {
		panic(fmt.Sprintf("%v: deny_write_cnt %d exceeds open_cnt %d", ErrInvariantViolation, in.denyWriteCnt, in.oc.count))
	}
}

// AllowWrite decrements in's deny-write count.
func (e *Engine) AllowWrite(in *Inode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in.denyWriteCnt <= 0 {
		panic(fmt.Sprintf("%v: allow_write with deny_write_cnt already 0", ErrInvariantViolation))
	}
	in.denyWriteCnt--
}

// Sector returns the sector number of in's on-disk record (inumber).
func (in *Inode) Sector() uint32 { return in.sector }

// Length returns in's current byte length.
func (in *Inode) Length(e *Engine) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(in.rec.length)
}

// IsDir reports whether in is a directory inode.
func (in *Inode) IsDir(e *Engine) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return in.rec.isDir
}

// OpenCount returns in's current open count.
func (in *Inode) OpenCount(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return in.oc.count
}

// Parent returns the sector of in's containing directory inode.
func (in *Inode) Parent(e *Engine) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return in.rec.parent
}

// SetParent opens childSector, updates its in-memory parent pointer, and
// closes it — the close path persists the change (spec.md §4.2).
func (e *Engine) SetParent(ctx context.Context, childSector, parentSector uint32) (bool, error) {
	in, err := e.Open(ctx, childSector)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	in.rec.parent = parentSector
	e.mu.Unlock()
	e.Close(in)
	return true, nil
}
