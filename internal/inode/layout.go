// Package inode implements the on-disk inode engine: direct/indirect/
// doubly-indirect block indexing, dynamic extension, and an open-inode
// registry with reference-counted lifetimes and deferred block
// reclamation. Grounded on original_source/filesys/inode.c.
package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/wicos64/blockfs/internal/block"
)

const (
	// Magic sanity-checks that a sector was written by this engine
	// (spec.md §3).
	Magic = 0x494E4F44

	numBlockPtrs = 12
	// NumDirect is the number of direct data-sector pointers in blocks[].
	NumDirect = 10
	indirectIdx        = 10
	doublyIndirectIdx  = 11
	// PointersPerIndirect is how many sector numbers fit in one indirect
	// block (128 * 4 bytes = 512 bytes = one sector).
	PointersPerIndirect = block.SectorSize / 4

	// MaxFileSectors is the addressable capacity in sectors: 10 direct +
	// 128 single-indirect + 128*128 doubly-indirect.
	MaxFileSectors = NumDirect + PointersPerIndirect + PointersPerIndirect*PointersPerIndirect
	// MaxFileBytes is MaxFileSectors in bytes (8,459,264 bytes, ~8.07 MiB).
	MaxFileBytes = int64(MaxFileSectors) * block.SectorSize
)

// onDiskRecord is the exactly-one-sector on-disk inode record (spec.md §3).
type onDiskRecord struct {
	blocks [numBlockPtrs]uint32
	parent uint32
	isDir  bool
	length int32
}

func encodeRecord(r *onDiskRecord) block.Sector {
	var sec block.Sector
	off := 0
	for _, b := range r.blocks {
		binary.LittleEndian.PutUint32(sec[off:], b)
		off += 4
	}
	binary.LittleEndian.PutUint32(sec[off:], r.parent)
	off += 4
	if r.isDir {
		sec[off] = 1
	}
	off++
	off = 56 // fixed offset for length, leaving room for future fields
	binary.LittleEndian.PutUint32(sec[off:], uint32(r.length))
	off += 4
	binary.LittleEndian.PutUint32(sec[off:], Magic)
	// Remainder stays zero-padded.
	return sec
}

func decodeRecord(sec *block.Sector) (*onDiskRecord, error) {
	r := &onDiskRecord{}
	off := 0
	for i := range r.blocks {
		r.blocks[i] = binary.LittleEndian.Uint32(sec[off:])
		off += 4
	}
	r.parent = binary.LittleEndian.Uint32(sec[off:])
	off += 4
	r.isDir = sec[off] != 0
	off = 56
	r.length = int32(binary.LittleEndian.Uint32(sec[off:]))
	off += 4
	magic := binary.LittleEndian.Uint32(sec[off:])
	if magic != Magic {
		return nil, fmt.Errorf("inode: bad magic %#x, want %#x", magic, uint32(Magic))
	}
	return r, nil
}

// indirectBlock is the on-disk content of an indirect or first-level
// doubly-indirect sector: 128 sector numbers.
type indirectBlock [PointersPerIndirect]uint32

func encodeIndirect(ib *indirectBlock) block.Sector {
	var sec block.Sector
	for i, v := range ib {
		binary.LittleEndian.PutUint32(sec[i*4:], v)
	}
	return sec
}

func decodeIndirect(sec *block.Sector) indirectBlock {
	var ib indirectBlock
	for i := range ib {
		ib[i] = binary.LittleEndian.Uint32(sec[i*4:])
	}
	return ib
}

func bytesToSectors(size int64) int {
	return int((size + block.SectorSize - 1) / block.SectorSize)
}
