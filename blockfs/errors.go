package blockfs

import "errors"

// Sentinel errors for the path-resolution and directory layer (spec.md
// §7's error taxonomy, extended with the filesystem-level conditions the
// original's filesys.c returned as plain false/NULL).
var (
	// ErrNotFound means no entry exists at the resolved path.
	ErrNotFound = errors.New("blockfs: not found")
	// ErrExists means an entry already occupies the requested name.
	ErrExists = errors.New("blockfs: already exists")
	// ErrNotDir means a path component that should be a directory isn't.
	ErrNotDir = errors.New("blockfs: not a directory")
	// ErrIsDir means an operation that requires a file was given a directory.
	ErrIsDir = errors.New("blockfs: is a directory")
	// ErrInvalidPath means the path is empty or otherwise unparsable.
	ErrInvalidPath = errors.New("blockfs: invalid path")
	// ErrNotEmpty means Remove was asked to remove a non-empty directory.
	ErrNotEmpty = errors.New("blockfs: directory not empty")
)
