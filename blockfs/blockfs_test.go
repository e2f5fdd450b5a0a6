package blockfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wicos64/blockfs/blockfs"
	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/config"
)

func newFormatted(t *testing.T) *blockfs.FileSystem {
	t.Helper()
	dev := block.NewMemDevice(4096)
	cfg := config.Default()
	cfg.CacheCapacity = 32
	fs, err := blockfs.Format(context.Background(), dev, cfg)
	require.NoError(t, err)
	return fs
}

func TestCreateAndOpenFile(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/hello.txt", false))

	f, err := fs.Open(ctx, "/hello.txt")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, f.IsDir())
	assert.Equal(t, int64(0), f.Length())
}

func TestWriteThenReadBack(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/data.bin", false))
	f, err := fs.Open(ctx, "/data.bin")
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("the quick brown fox")
	n, err := f.Write(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	n, err = f.Read(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, payload, out[:n])
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/a", false))
	err := fs.Create(ctx, "/a", false)
	assert.ErrorIs(t, err, blockfs.ErrExists)
}

func TestCreateNestedDirectories(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/sub", true))
	require.NoError(t, fs.Create(ctx, "/sub/nested.txt", false))

	f, err := fs.Open(ctx, "/sub/nested.txt")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, f.IsDir())
}

func TestOpenMissingPathFails(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	_, err := fs.Open(ctx, "/missing")
	assert.ErrorIs(t, err, blockfs.ErrNotFound)
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/sub", true))
	require.NoError(t, fs.Create(ctx, "/sub/f", false))

	err := fs.Remove(ctx, "/sub")
	assert.ErrorIs(t, err, blockfs.ErrNotEmpty)
}

func TestRemoveThenRecreateSameName(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/x", false))
	require.NoError(t, fs.Remove(ctx, "/x"))
	require.NoError(t, fs.Create(ctx, "/x", false))

	f, err := fs.Open(ctx, "/x")
	require.NoError(t, err)
	f.Close()
}

func TestDotResolvesToContainingDirectory(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/sub", true))
	require.NoError(t, fs.Create(ctx, "/sub/f", false))

	f, err := fs.Open(ctx, "/sub/.")
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, f.IsDir())

	names, err := fs.ListDir(ctx, "/sub/.")
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, names)
}

func TestDotDotResolvesToParentDirectory(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, "/sub", true))
	require.NoError(t, fs.Create(ctx, "/sub/nested", true))
	require.NoError(t, fs.Create(ctx, "/top.txt", false))

	names, err := fs.ListDir(ctx, "/sub/nested/..")
	require.NoError(t, err)
	assert.Equal(t, []string{"nested"}, names)

	f, err := fs.Open(ctx, "/sub/../top.txt")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, f.IsDir())
}

func TestCreateRejectsDotAndDotDotNames(t *testing.T) {
	fs := newFormatted(t)
	ctx := context.Background()

	assert.ErrorIs(t, fs.Create(ctx, "/.", true), blockfs.ErrInvalidPath)
	assert.ErrorIs(t, fs.Create(ctx, "/..", true), blockfs.ErrInvalidPath)
}

func TestUnmountFlushesDirtyData(t *testing.T) {
	dev := block.NewMemDevice(4096)
	cfg := config.Default()
	ctx := context.Background()

	fs, err := blockfs.Format(ctx, dev, cfg)
	require.NoError(t, err)
	require.NoError(t, fs.Create(ctx, "/f", false))
	f, err := fs.Open(ctx, "/f")
	require.NoError(t, err)
	_, err = f.Write(ctx, []byte("persisted"))
	require.NoError(t, err)
	f.Close()
	require.NoError(t, fs.Unmount(ctx))

	fs2, err := blockfs.Mount(ctx, dev, cfg)
	require.NoError(t, err)
	defer fs2.Unmount(ctx)

	f2, err := fs2.Open(ctx, "/f")
	require.NoError(t, err)
	defer f2.Close()
	out := make([]byte, len("persisted"))
	n, err := f2.ReadAt(ctx, out, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(out[:n]))
}
