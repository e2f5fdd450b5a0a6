package blockfs

import (
	"context"
	"fmt"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/freemap"
)

// writeFreeMap persists fm's bitmap across the sb.freeMapLen sectors
// starting at sb.freeMapSector, direct to the device: the free-map has
// no inode of its own (unlike Pintos, which stored it as a regular file
// opened via FREE_MAP_SECTOR), so there is no cache-mediated path for it.
func writeFreeMap(ctx context.Context, dev block.Device, sb *superblock, fm *freemap.Map) error {
	bitmap := fm.Bitmap()
	for i := uint32(0); i < sb.freeMapLen; i++ {
		var sec block.Sector
		start := int(i) * block.SectorSize
		if start < len(bitmap) {
			end := start + block.SectorSize
			if end > len(bitmap) {
				end = len(bitmap)
			}
			copy(sec[:], bitmap[start:end])
		}
		if err := dev.WriteSector(ctx, sb.freeMapSector+i, &sec); err != nil {
			return fmt.Errorf("blockfs: write free-map sector %d: %w", i, err)
		}
	}
	return nil
}

// readFreeMap reconstructs a *freemap.Map from the persisted bitmap.
func readFreeMap(ctx context.Context, dev block.Device, sb *superblock) (*freemap.Map, error) {
	wantBytes := int((sb.numSectors + 7) / 8)
	bitmap := make([]byte, 0, int(sb.freeMapLen)*block.SectorSize)
	for i := uint32(0); i < sb.freeMapLen; i++ {
		var sec block.Sector
		if err := dev.ReadSector(ctx, sb.freeMapSector+i, &sec); err != nil {
			return nil, fmt.Errorf("blockfs: read free-map sector %d: %w", i, err)
		}
		bitmap = append(bitmap, sec[:]...)
	}
	return freemap.NewFromBitmap(sb.numSectors, bitmap[:wantBytes])
}
