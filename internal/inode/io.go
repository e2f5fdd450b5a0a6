package inode

import (
	"context"
	"errors"
	"fmt"

	"github.com/wicos64/blockfs/internal/block"
)

// ErrOutOfRange is returned by ByteToSector when pos does not fall
// within the inode's current length, and by Extend when the requested
// length exceeds MaxFileBytes.
var ErrOutOfRange = errors.New("inode: position out of range")

// ErrWriteDenied is returned by WriteAt when the inode currently has one
// or more outstanding deny-write holders (spec.md §7).
var ErrWriteDenied = errors.New("inode: write denied")

// ErrNoSpace is returned by Extend (and so by WriteAt) when the
// free-sector allocator is exhausted partway through allocation (spec.md
// §7's AllocFailure class; partial allocation is not rolled back,
// matching the original). Create reports the same condition as a false
// result with a nil error.
var ErrNoSpace = errors.New("inode: allocator exhausted")

// snapshot copies the fields ByteToSector/Extend need without holding
// eng.mu across device or cache I/O.
func (in *Inode) snapshot(e *Engine) onDiskRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return in.rec
}

// ByteToSector translates a byte offset into the sector that holds it,
// walking the direct, single-indirect, or doubly-indirect region as
// needed. Indirect lookups are cache-mediated (spec.md §4.2: this is a
// deliberate fix over the original's raw block_read for this path).
func (e *Engine) ByteToSector(ctx context.Context, in *Inode, pos int64) (uint32, error) {
	rec := in.snapshot(e)
	if pos < 0 || pos >= int64(rec.length) {
		return 0, fmt.Errorf("%w: pos %d length %d", ErrOutOfRange, pos, rec.length)
	}
	idx := int(pos / block.SectorSize)

	if idx < NumDirect {
		return rec.blocks[idx], nil
	}
	idx -= NumDirect

	if idx < PointersPerIndirect {
		ib, err := e.readIndirectViaCache(ctx, rec.blocks[indirectIdx])
		if err != nil {
			return 0, err
		}
		return ib[idx], nil
	}
	idx -= PointersPerIndirect

	first, err := e.readIndirectViaCache(ctx, rec.blocks[doublyIndirectIdx])
	if err != nil {
		return 0, err
	}
	outer := idx / PointersPerIndirect
	inner := idx % PointersPerIndirect
	if outer >= PointersPerIndirect {
		return 0, fmt.Errorf("%w: pos %d exceeds max file size", ErrOutOfRange, pos)
	}
	second, err := e.readIndirectViaCache(ctx, first[outer])
	if err != nil {
		return 0, err
	}
	return second[inner], nil
}

// ReadAt copies up to len(buf) bytes starting at offset into buf, clamped
// to the inode's current length, returning the number of bytes copied.
func (e *Engine) ReadAt(ctx context.Context, in *Inode, buf []byte, offset int64) (int, error) {
	length := in.Length(e)
	if offset >= length {
		return 0, nil
	}
	want := int64(len(buf))
	if offset+want > length {
		want = length - offset
	}

	var n int64
	for n < want {
		pos := offset + n
		sector, err := e.ByteToSector(ctx, in, pos)
		if err != nil {
			return int(n), err
		}
		sectorOff := int(pos % block.SectorSize)
		chunk := int64(block.SectorSize - sectorOff)
		if remaining := want - n; chunk > remaining {
			chunk = remaining
		}

		h, err := e.cache.Acquire(ctx, sector)
		if err != nil {
			return int(n), err
		}
		copy(buf[n:n+chunk], h.Sector()[sectorOff:int(sectorOff)+int(chunk)])
		e.cache.Release(h, true, false)

		n += chunk
	}
	return int(n), nil
}

// WriteAt copies len(buf) bytes from buf to offset, extending the inode
// first if the write would grow it past its current length (spec.md
// §4.2's "extend" operation, invoked implicitly from write_at as in the
// original). Fails with ErrWriteDenied if the inode has any outstanding
// deny-write holder.
//
// If Extend can only partially satisfy the requested growth (allocator
// exhaustion), WriteAt does not abort: it writes as much of buf as the
// truncated length actually backs and returns that partial count
// alongside Extend's error, matching the original inode_write_at/
// inode_extend pairing where a void inode_extend simply leaves length
// short and the write loop terminates naturally against it.
func (e *Engine) WriteAt(ctx context.Context, in *Inode, buf []byte, offset int64) (int, error) {
	e.mu.Lock()
	denied := in.denyWriteCnt > 0
	e.mu.Unlock()
	if denied {
		return 0, ErrWriteDenied
	}

	var extendErr error
	end := offset + int64(len(buf))
	if end > in.Length(e) {
		extendErr = e.Extend(ctx, in, end)
	}

	want := int64(len(buf))
	if length := in.Length(e); offset+want > length {
		want = length - offset
		if want < 0 {
			want = 0
		}
	}

	var n int64
	for n < want {
		pos := offset + n
		sector, err := e.ByteToSector(ctx, in, pos)
		if err != nil {
			if extendErr == nil {
				extendErr = err
			}
			break
		}
		sectorOff := int(pos % block.SectorSize)
		chunk := int64(block.SectorSize - sectorOff)
		if remaining := want - n; chunk > remaining {
			chunk = remaining
		}

		h, err := e.cache.Acquire(ctx, sector)
		if err != nil {
			if extendErr == nil {
				extendErr = err
			}
			break
		}
		copy(h.Sector()[sectorOff:int(sectorOff)+int(chunk)], buf[n:n+chunk])
		e.cache.Release(h, true, true)

		n += chunk
	}
	return int(n), extendErr
}
