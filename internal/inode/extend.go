package inode

import (
	"context"
	"fmt"

	"github.com/wicos64/blockfs/internal/block"
)

// Extend grows in to cover newLength bytes, allocating and zero-filling
// whatever additional sectors that requires and updating the in-memory
// record's length. Sectors already allocated under the target length are
// left untouched (spec.md §4.2's "extend" operation, mirroring
// original_source/filesys/inode.c's inode_extend but resuming from
// whatever indirect structures already exist rather than always starting
// from scratch).
//
// If the free-sector allocator runs out partway through, Extend does not
// roll back: whatever sectors were successfully allocated and zeroed (and
// any indirect/doubly-indirect bookkeeping blocks already flushed to
// reflect them) are committed into in.rec, with length set to exactly the
// allocated prefix rather than newLength (spec.md §8's partial-allocation
// property). The returned error is ErrNoSpace (or whatever I/O error
// aborted the grow) in that case.
func (e *Engine) Extend(ctx context.Context, in *Inode, newLength int64) error {
	if newLength > MaxFileBytes {
		return fmt.Errorf("%w: requested length %d exceeds max %d", ErrOutOfRange, newLength, MaxFileBytes)
	}

	rec := in.snapshot(e)
	have := bytesToSectors(int64(rec.length))
	want := bytesToSectors(newLength)

	allocated := have
	var growErr error
	if want > have {
		allocated, growErr = e.growDirect(ctx, &rec, allocated, want)
		if growErr == nil {
			allocated, growErr = e.growIndirect(ctx, &rec, allocated, want)
		}
		if growErr == nil {
			allocated, growErr = e.growDoublyIndirect(ctx, &rec, allocated, want)
		}
	}

	if allocated >= want {
		rec.length = int32(newLength)
	} else {
		rec.length = int32(int64(allocated) * block.SectorSize)
	}

	e.mu.Lock()
	in.rec = rec
	e.mu.Unlock()
	return growErr
}

// growDirect allocates direct-region sectors [have,want) (clamped to
// NumDirect) and returns the total sector count backed afterward, which
// is less than want if the allocator ran out partway through.
func (e *Engine) growDirect(ctx context.Context, rec *onDiskRecord, have, want int) (int, error) {
	limit := want
	if limit > NumDirect {
		limit = NumDirect
	}
	i := have
	for ; i < limit; i++ {
		s, ok := e.freemap.Allocate()
		if !ok {
			return i, fmt.Errorf("inode: extend: %w", ErrNoSpace)
		}
		if err := e.zeroSector(ctx, s); err != nil {
			return i, err
		}
		rec.blocks[i] = s
	}
	return i, nil
}

// growIndirect allocates single-indirect-region sectors and returns the
// total sector count backed afterward (direct region plus whatever of
// the indirect region was reached). The indirect bookkeeping sector is
// flushed via the cache even when allocation stops short, so a partial
// grow still leaves a self-consistent on-disk structure.
func (e *Engine) growIndirect(ctx context.Context, rec *onDiskRecord, have, want int) (int, error) {
	if want <= NumDirect {
		return have, nil
	}
	loHave := have - NumDirect
	if loHave < 0 {
		loHave = 0
	}
	loWant := want - NumDirect
	if loWant > PointersPerIndirect {
		loWant = PointersPerIndirect
	}
	if loHave >= loWant {
		return have, nil
	}

	var ib indirectBlock
	if rec.blocks[indirectIdx] == 0 {
		s, ok := e.freemap.Allocate()
		if !ok {
			return NumDirect + loHave, fmt.Errorf("inode: extend: %w", ErrNoSpace)
		}
		rec.blocks[indirectIdx] = s
	} else {
		var err error
		ib, err = e.readIndirectViaCache(ctx, rec.blocks[indirectIdx])
		if err != nil {
			return NumDirect + loHave, err
		}
	}

	i := loHave
	var growErr error
	for ; i < loWant; i++ {
		s, ok := e.freemap.Allocate()
		if !ok {
			growErr = fmt.Errorf("inode: extend: %w", ErrNoSpace)
			break
		}
		if err := e.zeroSector(ctx, s); err != nil {
			growErr = err
			break
		}
		ib[i] = s
	}

	if err := e.writeIndirectViaCache(ctx, rec.blocks[indirectIdx], &ib); err != nil && growErr == nil {
		growErr = err
	}
	return NumDirect + i, growErr
}

// growDoublyIndirect allocates doubly-indirect-region sectors and returns
// the total sector count backed afterward. Both the first-level block and
// whichever second-level block was being filled are flushed via the
// cache even when allocation stops short.
func (e *Engine) growDoublyIndirect(ctx context.Context, rec *onDiskRecord, have, want int) (int, error) {
	base := NumDirect + PointersPerIndirect
	if want <= base {
		return have, nil
	}
	diHave := have - base
	if diHave < 0 {
		diHave = 0
	}
	diWant := want - base

	var first indirectBlock
	firstDirty := false
	if rec.blocks[doublyIndirectIdx] == 0 {
		s, ok := e.freemap.Allocate()
		if !ok {
			return base + diHave, fmt.Errorf("inode: extend: %w", ErrNoSpace)
		}
		rec.blocks[doublyIndirectIdx] = s
		firstDirty = true
	} else {
		var err error
		first, err = e.readIndirectViaCache(ctx, rec.blocks[doublyIndirectIdx])
		if err != nil {
			return base + diHave, err
		}
	}

	n := diHave
	var growErr error
loop:
	for n < diWant {
		outer := n / PointersPerIndirect
		inner := n % PointersPerIndirect

		var second indirectBlock
		if first[outer] == 0 {
			s, ok := e.freemap.Allocate()
			if !ok {
				growErr = fmt.Errorf("inode: extend: %w", ErrNoSpace)
				break loop
			}
			first[outer] = s
			firstDirty = true
		} else {
			var err error
			second, err = e.readIndirectViaCache(ctx, first[outer])
			if err != nil {
				growErr = err
				break loop
			}
		}

		innerWant := PointersPerIndirect
		if rem := diWant - outer*PointersPerIndirect; rem < innerWant {
			innerWant = rem
		}
		i := inner
		for ; i < innerWant; i++ {
			s, ok := e.freemap.Allocate()
			if !ok {
				growErr = fmt.Errorf("inode: extend: %w", ErrNoSpace)
				break
			}
			if err := e.zeroSector(ctx, s); err != nil {
				growErr = err
				break
			}
			second[i] = s
		}
		if err := e.writeIndirectViaCache(ctx, first[outer], &second); err != nil && growErr == nil {
			growErr = err
		}
		n = outer*PointersPerIndirect + i
		if growErr != nil {
			break loop
		}
	}

	if firstDirty {
		if err := e.writeIndirectViaCache(ctx, rec.blocks[doublyIndirectIdx], &first); err != nil && growErr == nil {
			growErr = err
		}
	}
	return base + n, growErr
}
