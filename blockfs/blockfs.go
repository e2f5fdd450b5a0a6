package blockfs

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/blocklog"
	"github.com/wicos64/blockfs/internal/cache"
	"github.com/wicos64/blockfs/internal/clock"
	"github.com/wicos64/blockfs/internal/config"
	"github.com/wicos64/blockfs/internal/freemap"
	"github.com/wicos64/blockfs/internal/inode"
)

// Option configures Format/Mount beyond what config.Config carries.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithMetrics registers the mounted cache's hit/miss/eviction/flush
// counters against reg, instead of running with cache.NoopMetrics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func newCache(dev block.Device, cfg config.Config, o options) *cache.Cache {
	cacheOpts := []cache.Option{cache.WithCapacity(cfg.CacheCapacity)}
	if o.registerer != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(cache.NewPrometheusMetrics(o.registerer)))
	}
	return cache.New(dev, clock.Wall{}, cacheOpts...)
}

// FileSystem is a mounted block filesystem: the superblock's layout
// decisions plus the live cache/inode-engine/free-map triple that
// implement it. Corresponds to original_source/filesys/filesys.c's
// module-level fs_device/free_map_file/ROOT_DIR_SECTOR globals, bundled
// into one value instead of package state so more than one can be
// mounted in a process at a time.
type FileSystem struct {
	dev        block.Device
	cache      *cache.Cache
	freemap    *freemap.Map
	inodes     *inode.Engine
	logger     *blocklog.Hub
	rootSector uint32
	sb         superblock
}

// freeMapSectorsFor returns how many sectors a bitmap over numSectors
// bits occupies.
func freeMapSectorsFor(numSectors uint32) uint32 {
	bits := (numSectors + 7) / 8
	return (bits + block.SectorSize - 1) / block.SectorSize
}

// Format lays out a fresh filesystem on dev: a superblock at sector 0,
// the free-map bitmap immediately after it, and an empty root directory
// inode after that (original_source/filesys/filesys.c's do_format,
// generalized from a single hard-coded free-map file to a superblock
// that records the free-map's location and length).
func Format(ctx context.Context, dev block.Device, cfg config.Config, opts ...Option) (*FileSystem, error) {
	o := buildOptions(opts)
	numSectors := dev.NumSectors()
	fmLen := freeMapSectorsFor(numSectors)
	fm := freemap.New(numSectors)

	fm.MarkUsed(superblockSector)
	freeMapSector := uint32(1)
	for s := uint32(0); s < fmLen; s++ {
		fm.MarkUsed(freeMapSector + s)
	}
	rootSector := freeMapSector + fmLen
	fm.MarkUsed(rootSector)

	sb := superblock{numSectors: numSectors, freeMapSector: freeMapSector, freeMapLen: fmLen, rootSector: rootSector}
	sec := encodeSuperblock(&sb)
	if err := dev.WriteSector(ctx, superblockSector, &sec); err != nil {
		return nil, fmt.Errorf("blockfs: write superblock: %w", err)
	}
	if err := writeFreeMap(ctx, dev, &sb, fm); err != nil {
		return nil, err
	}

	c := newCache(dev, cfg, o)
	eng := inode.NewEngine(dev, c, fm, rootSector)

	ok, err := eng.Create(ctx, rootSector, 0, true)
	if err != nil {
		return nil, fmt.Errorf("blockfs: create root directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("blockfs: create root directory: %w", inode.ErrNoSpace)
	}

	fs := &FileSystem{
		dev:        dev,
		cache:      c,
		freemap:    fm,
		inodes:     eng,
		logger:     blocklog.NewHub(cfg.LogRingCapacity),
		rootSector: rootSector,
		sb:         sb,
	}
	fs.logger.Infof("blockfs", "format", "formatted %d sectors, root at %d", numSectors, rootSector)
	return fs, nil
}

// Mount reads an existing superblock and free-map bitmap off dev and
// brings up the cache and inode engine over them
// (original_source/filesys/filesys.c's filesys_init, minus the
// global-state assumption).
func Mount(ctx context.Context, dev block.Device, cfg config.Config, opts ...Option) (*FileSystem, error) {
	o := buildOptions(opts)
	var sec block.Sector
	if err := dev.ReadSector(ctx, superblockSector, &sec); err != nil {
		return nil, fmt.Errorf("blockfs: read superblock: %w", err)
	}
	sb, err := decodeSuperblock(&sec)
	if err != nil {
		return nil, err
	}

	fm, err := readFreeMap(ctx, dev, sb)
	if err != nil {
		return nil, err
	}

	c := newCache(dev, cfg, o)
	eng := inode.NewEngine(dev, c, fm, sb.rootSector)

	fs := &FileSystem{
		dev:        dev,
		cache:      c,
		freemap:    fm,
		inodes:     eng,
		logger:     blocklog.NewHub(cfg.LogRingCapacity),
		rootSector: sb.rootSector,
		sb:         *sb,
	}
	c.StartWriteBehind(ctx, time.Duration(cfg.FlushIntervalMs)*time.Millisecond)
	fs.logger.Infof("blockfs", "mount", "mounted %d sectors, root at %d", sb.numSectors, sb.rootSector)
	return fs, nil
}

// Unmount stops the write-behind flusher, flushes the cache, and writes
// the current free-map bitmap back out.
func (fs *FileSystem) Unmount(ctx context.Context) error {
	fs.cache.StopWriteBehind()
	if err := writeFreeMap(ctx, fs.dev, &fs.sb, fs.freemap); err != nil {
		return err
	}
	if err := fs.cache.Shutdown(ctx); err != nil {
		return fmt.Errorf("blockfs: shutdown cache: %w", err)
	}
	fs.logger.Infof("blockfs", "unmount", "unmounted cleanly")
	return nil
}

// resolveDir walks comps from the root, requiring every intermediate
// component to be a directory, and returns the sector of the final one.
// "." and ".." are resolved rather than looked up as literal entry names,
// matching original_source/filesys/filesys.c's parse_dir: "." stays put,
// ".." moves to the current directory's recorded parent sector.
func (fs *FileSystem) resolveDir(ctx context.Context, comps []string) (uint32, error) {
	sector := fs.rootSector
	for _, c := range comps {
		switch c {
		case ".":
			continue
		case "..":
			parent, err := fs.parentOf(ctx, sector)
			if err != nil {
				return 0, err
			}
			sector = parent
			continue
		}

		next, ok, err := fs.lookupInDir(ctx, sector, c)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrNotFound, c)
		}
		in, err := fs.inodes.Open(ctx, next)
		if err != nil {
			return 0, err
		}
		isDir := in.IsDir(fs.inodes)
		fs.inodes.Close(in)
		if !isDir {
			return 0, fmt.Errorf("%w: %q", ErrNotDir, c)
		}
		sector = next
	}
	return sector, nil
}

// parentOf returns the sector of dirSector's containing directory, per
// the inode's own recorded parent pointer (inode_get_parent).
func (fs *FileSystem) parentOf(ctx context.Context, dirSector uint32) (uint32, error) {
	in, err := fs.inodes.Open(ctx, dirSector)
	if err != nil {
		return 0, err
	}
	parent := in.Parent(fs.inodes)
	fs.inodes.Close(in)
	return parent, nil
}

// ListDir returns the in-use entry names of the directory at path, in
// on-disk order (original_source/filesys/directory.c's dir_readdir,
// exposed here since that file never made it into the distillation).
// Every path component, including a trailing "." or "..", goes through
// resolveDir, so listing "a/." or "a/.." behaves the same as opening them.
func (fs *FileSystem) ListDir(ctx context.Context, path string) ([]string, error) {
	sector, err := fs.resolveDir(ctx, splitPath(path))
	if err != nil {
		return nil, err
	}

	in, err := fs.inodes.Open(ctx, sector)
	if err != nil {
		return nil, err
	}
	defer fs.inodes.Close(in)
	if !in.IsDir(fs.inodes) {
		return nil, fmt.Errorf("%w: %q", ErrNotDir, path)
	}

	entries, err := fs.readDirEntries(ctx, sector)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.inUse {
			names = append(names, e.name)
		}
	}
	return names, nil
}

// Create makes a new file or directory at path, which must not already
// exist; its containing directory must already exist
// (original_source/filesys/filesys.c's filesys_create, with
// "if (inode = NULL)" here simply impossible: Go has no assignment
// expressions).
func (fs *FileSystem) Create(ctx context.Context, path string, isDir bool) error {
	parentComps, name := splitParentAndName(path)
	if name == "" || name == "." || name == ".." {
		return ErrInvalidPath
	}

	dirSector, err := fs.resolveDir(ctx, parentComps)
	if err != nil {
		return err
	}
	if _, exists, err := fs.lookupInDir(ctx, dirSector, name); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %q", ErrExists, path)
	}

	sector, ok := fs.freemap.Allocate()
	if !ok {
		return fmt.Errorf("blockfs: create %q: %w", path, inode.ErrNoSpace)
	}

	created, err := fs.inodes.Create(ctx, sector, 0, isDir)
	if err != nil {
		fs.freemap.Release(sector)
		return err
	}
	if !created {
		fs.freemap.Release(sector)
		return fmt.Errorf("blockfs: create %q: %w", path, inode.ErrNoSpace)
	}

	if err := fs.addDirEntry(ctx, dirSector, name, sector); err != nil {
		fs.freemap.Release(sector)
		return err
	}
	if ok, err := fs.inodes.SetParent(ctx, sector, dirSector); err != nil || !ok {
		return err
	}
	return nil
}

// Open resolves path to its inode and returns a File handle over it
// (original_source/filesys/filesys.c's filesys_open, including its
// special-casing of a final "." component as the resolved directory
// itself and a final ".." component as that directory's parent).
func (fs *FileSystem) Open(ctx context.Context, path string) (*File, error) {
	parentComps, name := splitParentAndName(path)

	var sector uint32
	switch name {
	case "":
		sector = fs.rootSector
	case ".":
		s, err := fs.resolveDir(ctx, parentComps)
		if err != nil {
			return nil, err
		}
		sector = s
	case "..":
		dirSector, err := fs.resolveDir(ctx, parentComps)
		if err != nil {
			return nil, err
		}
		parent, err := fs.parentOf(ctx, dirSector)
		if err != nil {
			return nil, err
		}
		sector = parent
	default:
		dirSector, err := fs.resolveDir(ctx, parentComps)
		if err != nil {
			return nil, err
		}
		s, ok, err := fs.lookupInDir(ctx, dirSector, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		sector = s
	}

	in, err := fs.inodes.Open(ctx, sector)
	if err != nil {
		return nil, err
	}
	return &File{fs: fs, in: in}, nil
}

// Remove deletes the entry at path. Removing a non-empty directory
// fails with ErrNotEmpty (original_source/filesys/filesys.c's
// filesys_remove does not check this; spec.md's supplemented directory
// layer does).
func (fs *FileSystem) Remove(ctx context.Context, path string) error {
	parentComps, name := splitParentAndName(path)
	if name == "" {
		return ErrInvalidPath
	}

	dirSector, err := fs.resolveDir(ctx, parentComps)
	if err != nil {
		return err
	}
	sector, ok, err := fs.lookupInDir(ctx, dirSector, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, path)
	}

	in, err := fs.inodes.Open(ctx, sector)
	if err != nil {
		return err
	}
	if in.IsDir(fs.inodes) {
		entries, err := fs.readDirEntries(ctx, sector)
		if err != nil {
			fs.inodes.Close(in)
			return err
		}
		for _, e := range entries {
			if e.inUse {
				fs.inodes.Close(in)
				return fmt.Errorf("%w: %q", ErrNotEmpty, path)
			}
		}
	}

	if err := fs.removeDirEntry(ctx, dirSector, name); err != nil {
		fs.inodes.Close(in)
		return err
	}
	fs.inodes.Remove(in)
	fs.inodes.Close(in)
	return nil
}
