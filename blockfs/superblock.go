// Package blockfs ties the buffer cache, inode engine, and free-map
// allocator together into a mountable filesystem: a superblock, a
// directory layer, and path resolution. Grounded on
// original_source/filesys/filesys.c's filesys_init/do_format, with the
// superblock's own checksum added (the original trusted a fixed sector
// layout unconditionally) grounded on calvinalkan-agent-task's
// internal/store/wal.go CRC32-Castagnoli framing.
package blockfs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/wicos64/blockfs/internal/block"
)

// superblockMagic identifies a sector written by this package, distinct
// from inode.Magic which identifies an inode record.
const superblockMagic = 0x424C4B46 // "BLKF"

// superblockSector is the fixed, well-known location of the superblock.
const superblockSector = 0

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// superblock is the on-disk record describing the overall layout: where
// the free-map bitmap lives, how many sectors it spans, and the root
// directory's inode sector.
type superblock struct {
	numSectors    uint32
	freeMapSector uint32
	freeMapLen    uint32 // number of sectors the bitmap occupies
	rootSector    uint32
}

func encodeSuperblock(sb *superblock) block.Sector {
	var sec block.Sector
	binary.LittleEndian.PutUint32(sec[0:], superblockMagic)
	binary.LittleEndian.PutUint32(sec[4:], sb.numSectors)
	binary.LittleEndian.PutUint32(sec[8:], sb.freeMapSector)
	binary.LittleEndian.PutUint32(sec[12:], sb.freeMapLen)
	binary.LittleEndian.PutUint32(sec[16:], sb.rootSector)
	// Checksum covers everything before it; zero-padding after is excluded
	// by construction since it's always zero.
	sum := crc32.Checksum(sec[:20], crc32c)
	binary.LittleEndian.PutUint32(sec[20:], sum)
	return sec
}

func decodeSuperblock(sec *block.Sector) (*superblock, error) {
	magic := binary.LittleEndian.Uint32(sec[0:])
	if magic != superblockMagic {
		return nil, fmt.Errorf("blockfs: bad superblock magic %#x", magic)
	}
	sum := binary.LittleEndian.Uint32(sec[20:])
	want := crc32.Checksum(sec[:20], crc32c)
	if sum != want {
		return nil, fmt.Errorf("blockfs: superblock checksum mismatch: got %08x want %08x", sum, want)
	}
	return &superblock{
		numSectors:    binary.LittleEndian.Uint32(sec[4:]),
		freeMapSector: binary.LittleEndian.Uint32(sec[8:]),
		freeMapLen:    binary.LittleEndian.Uint32(sec[12:]),
		rootSector:    binary.LittleEndian.Uint32(sec[16:]),
	}, nil
}
