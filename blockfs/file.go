package blockfs

import (
	"context"
	"io"

	"github.com/wicos64/blockfs/internal/inode"
)

// File is an open handle onto a mounted inode, with its own read/write
// cursor (original_source/filesys/file.c's struct file, folded into this
// package since nothing else needs it split out).
type File struct {
	fs     *FileSystem
	in     *inode.Inode
	pos    int64
	denied bool
}

// Read copies into buf starting at the file's current cursor, advancing
// it by the number of bytes read.
func (f *File) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := f.fs.inodes.ReadAt(ctx, f.in, buf, f.pos)
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write copies buf to the file starting at the current cursor, extending
// the file if necessary, and advances the cursor.
func (f *File) Write(ctx context.Context, buf []byte) (int, error) {
	n, err := f.fs.inodes.WriteAt(ctx, f.in, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// ReadAt and WriteAt operate at an explicit offset without touching the
// cursor, matching inode.Engine's own positional methods.
func (f *File) ReadAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	return f.fs.inodes.ReadAt(ctx, f.in, buf, offset)
}

func (f *File) WriteAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	return f.fs.inodes.WriteAt(ctx, f.in, buf, offset)
}

// Seek repositions the cursor, whence following io.Seeker conventions.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.Length() + offset
	}
	return f.pos, nil
}

// Length returns the file's current byte length.
func (f *File) Length() int64 { return f.in.Length(f.fs.inodes) }

// IsDir reports whether this handle refers to a directory inode.
func (f *File) IsDir() bool { return f.in.IsDir(f.fs.inodes) }

// Sector returns the inode's own sector number (its inumber).
func (f *File) Sector() uint32 { return f.in.Sector() }

// DenyWrite and AllowWrite forward to the inode engine, letting a caller
// (e.g. "this executable is currently running") pin a file read-only for
// the duration of some other activity
// (original_source/filesys/inode.c's inode_deny_write/inode_allow_write).
func (f *File) DenyWrite() {
	if !f.denied {
		f.fs.inodes.DenyWrite(f.in)
		f.denied = true
	}
}

func (f *File) AllowWrite() {
	if f.denied {
		f.fs.inodes.AllowWrite(f.in)
		f.denied = false
	}
}

// Close releases this handle's reference on the underlying inode,
// reverting any outstanding DenyWrite first.
func (f *File) Close() {
	f.AllowWrite()
	f.fs.inodes.Close(f.in)
}
