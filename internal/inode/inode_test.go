package inode_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/cache"
	"github.com/wicos64/blockfs/internal/clock"
	"github.com/wicos64/blockfs/internal/freemap"
	"github.com/wicos64/blockfs/internal/inode"
)

const numTestSectors = 4096

func newTestEngine(t *testing.T) (*inode.Engine, *freemap.Map, uint32) {
	t.Helper()
	dev := block.NewMemDevice(numTestSectors)
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(64))
	fm := freemap.New(numTestSectors)

	rootSector, ok := fm.Allocate()
	require.True(t, ok)

	e := inode.NewEngine(dev, c, fm, rootSector)
	return e, fm, rootSector
}

func TestCreateOpenRoundTrip(t *testing.T) {
	e, fm, root := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)

	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	assert.Equal(t, int64(0), in.Length(e))
	assert.False(t, in.IsDir(e))
	assert.Equal(t, root, in.Parent(e))
	assert.Equal(t, 1, in.OpenCount(e))

	e.Close(in)
}

func TestWriteAtThenReadAtTinyWrite(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	defer e.Close(in)

	payload := []byte("hello, world")
	n, err := e.WriteAt(ctx, in, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, int64(len(payload)), in.Length(e))

	out := make([]byte, len(payload))
	n, err = e.ReadAt(ctx, in, out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestWriteAtCrossingSectorBoundary(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	defer e.Close(in)

	payload := make([]byte, block.SectorSize+37)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := e.WriteAt(ctx, in, payload, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = e.ReadAt(ctx, in, out, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestWriteAtCrossingIntoIndirectRegion(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	defer e.Close(in)

	// Direct region covers 10 sectors; write spans from inside the last
	// direct sector into the first single-indirect sector.
	offset := int64(inode.NumDirect-1) * block.SectorSize
	payload := make([]byte, 2*block.SectorSize)
	for i := range payload {
		payload[i] = byte(7*i + 1)
	}
	n, err := e.WriteAt(ctx, in, payload, offset)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = e.ReadAt(ctx, in, out, offset)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)

	directSector, err := e.ByteToSector(ctx, in, offset)
	require.NoError(t, err)
	indirectSector, err := e.ByteToSector(ctx, in, offset+block.SectorSize)
	require.NoError(t, err)
	assert.NotEqual(t, directSector, indirectSector)
}

func TestRemoveReclaimsBlocksOnLastClose(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	before := fm.FreeCount()

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	_, err = e.WriteAt(ctx, in, make([]byte, 3*block.SectorSize), 0)
	require.NoError(t, err)

	afterWrite := fm.FreeCount()
	assert.Less(t, afterWrite, before)

	e.Remove(in)
	e.Close(in)

	// The three data sectors come back, plus the inode's own sector, which
	// was already allocated when before was taken.
	assert.Equal(t, before+1, fm.FreeCount())
}

func TestDenyWriteBlocksWriteAt(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	defer e.Close(in)

	e.DenyWrite(in)
	_, err = e.WriteAt(ctx, in, []byte("nope"), 0)
	assert.ErrorIs(t, err, inode.ErrWriteDenied)

	e.AllowWrite(in)
	n, err := e.WriteAt(ctx, in, []byte("now ok"), 0)
	require.NoError(t, err)
	assert.Equal(t, len("now ok"), n)
}

func TestOpenSharesSingleInMemoryInodePerSector(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	a, err := e.Open(ctx, sector)
	require.NoError(t, err)
	b, err := e.Open(ctx, sector)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, a.OpenCount(e))

	e.Close(a)
	assert.Equal(t, 1, b.OpenCount(e))
	e.Close(b)
}

func TestWriteAtPartialAllocationTruncatesLength(t *testing.T) {
	const numSectors = 20
	dev := block.NewMemDevice(numSectors)
	c := cache.New(dev, clock.Wall{}, cache.WithCapacity(numSectors))
	fm := freemap.New(numSectors)
	ctx := context.Background()

	rootSector, ok := fm.Allocate()
	require.True(t, ok)
	e := inode.NewEngine(dev, c, fm, rootSector)

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	defer e.Close(in)

	// Drain the allocator down to exactly 3 free sectors, then ask for a
	// 6-sector write: only the first 3 sectors can be backed.
	for fm.FreeCount() > 3 {
		_, ok := fm.Allocate()
		require.True(t, ok)
	}
	require.Equal(t, uint32(3), fm.FreeCount())

	payload := make([]byte, 6*block.SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := e.WriteAt(ctx, in, payload, 0)
	assert.ErrorIs(t, err, inode.ErrNoSpace)
	assert.Equal(t, 3*block.SectorSize, n)
	assert.Equal(t, int64(3*block.SectorSize), in.Length(e))
	assert.Equal(t, uint32(0), fm.FreeCount())

	out := make([]byte, 3*block.SectorSize)
	rn, err := e.ReadAt(ctx, in, out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(out), rn)
	assert.Equal(t, payload[:3*block.SectorSize], out)
}

func TestSetParentPersistsAcrossReopen(t *testing.T) {
	e, fm, _ := newTestEngine(t)
	ctx := context.Background()

	sector, ok := fm.Allocate()
	require.True(t, ok)
	ok, err := e.Create(ctx, sector, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	parentSector, ok := fm.Allocate()
	require.True(t, ok)

	ok, err = e.SetParent(ctx, sector, parentSector)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := e.Open(ctx, sector)
	require.NoError(t, err)
	assert.Equal(t, parentSector, in.Parent(e))
	e.Close(in)
}
