package block_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wicos64/blockfs/internal/block"
)

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	dev := block.NewMemDevice(4)
	ctx := context.Background()

	var sec block.Sector
	copy(sec[:], "payload")
	require.NoError(t, dev.WriteSector(ctx, 2, &sec))

	var out block.Sector
	require.NoError(t, dev.ReadSector(ctx, 2, &out))
	assert.Equal(t, "payload", string(out[:7]))
}

func TestMemDeviceOutOfRange(t *testing.T) {
	dev := block.NewMemDevice(2)
	var sec block.Sector
	err := dev.WriteSector(context.Background(), 5, &sec)
	assert.ErrorIs(t, err, block.ErrOutOfRange)
}

func TestFileDeviceCreatesAndGrows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	dev, err := block.OpenFileDevice(path, 8)
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, uint32(8), dev.NumSectors())

	ctx := context.Background()
	var sec block.Sector
	copy(sec[:], "hello")
	require.NoError(t, dev.WriteSector(ctx, 3, &sec))

	var out block.Sector
	require.NoError(t, dev.ReadSector(ctx, 3, &out))
	assert.Equal(t, "hello", string(out[:5]))
}

func TestOpenFileDeviceZeroSectorsDerivesFromExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	dev, err := block.OpenFileDevice(path, 16)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	reopened, err := block.OpenFileDevice(path, 0)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint32(16), reopened.NumSectors())
}

func TestFaultyDeviceInjectsReadFailures(t *testing.T) {
	dev := block.NewMemDevice(4)
	faulty := block.NewFaultyDevice(dev, 1, block.FaultyConfig{ReadFailRate: 1.0})

	var out block.Sector
	err := faulty.ReadSector(context.Background(), 0, &out)
	assert.ErrorIs(t, err, block.ErrInjected)
	assert.Equal(t, int64(1), faulty.InjectedReads())
}

func TestFaultyDeviceZeroRateNeverFails(t *testing.T) {
	dev := block.NewMemDevice(4)
	faulty := block.NewFaultyDevice(dev, 1, block.FaultyConfig{})

	var sec block.Sector
	require.NoError(t, faulty.WriteSector(context.Background(), 0, &sec))
	assert.Equal(t, int64(0), faulty.InjectedWrites())
}
