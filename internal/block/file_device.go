package block

import (
	"context"
	"fmt"
	"os"
)

// FileDevice is a Device backed by a fixed-size host file, one sector per
// SectorSize-byte region, the same offset-arithmetic-over-os.File shape
// the teacher uses for raw disk-image sector access.
type FileDevice struct {
	f          *os.File
	numSectors uint32
}

// OpenFileDevice opens (and if necessary creates and zero-extends) a
// file-backed device with room for numSectors sectors. numSectors == 0
// means "open an existing image as-is": the sector count is derived from
// the file's current size instead of resizing it, so mounting an image
// never truncates it.
func OpenFileDevice(path string, numSectors uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}

	if numSectors == 0 {
		numSectors = uint32(fi.Size() / SectorSize)
		return &FileDevice{f: f, numSectors: numSectors}, nil
	}

	wantSize := int64(numSectors) * SectorSize
	if fi.Size() < wantSize {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("block: truncate %s: %w", path, err)
		}
	}

	return &FileDevice{f: f, numSectors: numSectors}, nil
}

func (d *FileDevice) NumSectors() uint32 { return d.numSectors }

func (d *FileDevice) sectorOffset(num uint32) (int64, error) {
	if num >= d.numSectors {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, num)
	}
	return int64(num) * SectorSize, nil
}

func (d *FileDevice) ReadSector(_ context.Context, num uint32, out *Sector) error {
	off, err := d.sectorOffset(num)
	if err != nil {
		return err
	}
	n, err := d.f.ReadAt(out[:], off)
	if err != nil {
		return fmt.Errorf("block: read sector %d: %w", num, err)
	}
	if n != SectorSize {
		return fmt.Errorf("block: short read of sector %d: %d bytes", num, n)
	}
	return nil
}

func (d *FileDevice) WriteSector(_ context.Context, num uint32, in *Sector) error {
	off, err := d.sectorOffset(num)
	if err != nil {
		return err
	}
	n, err := d.f.WriteAt(in[:], off)
	if err != nil {
		return fmt.Errorf("block: write sector %d: %w", num, err)
	}
	if n != SectorSize {
		return fmt.Errorf("block: short write of sector %d: %d bytes", num, n)
	}
	return nil
}

// Close releases the underlying file handle. It does not flush any
// cache sitting above this device.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
