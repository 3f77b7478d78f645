// Package backend provides storage backend abstractions for the mirror:
// a uniform read/write/delete/move/list/lock/hash interface over a
// pluggable backend, so the pipeline and controller never touch a
// concrete filesystem or object-store API directly.
package backend

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors for the taxonomy of storage failures. Callers should
// use errors.Is against these rather than matching on backend-specific
// error types.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCorrupt          = errors.New("checksum mismatch on read-back")
	// ErrLockHeld is returned by AcquireLock when another instance already
	// holds the lock. Callers map this to the mirror's lock-contention exit
	// code rather than its generic failure exit code.
	ErrLockHeld = errors.New("lock already held by another instance")
)

// CompareMethod selects how Backend.CompareFiles decides whether two paths
// hold equivalent content.
type CompareMethod string

const (
	// CompareHash streams both paths through a digest and compares sums.
	CompareHash CompareMethod = "hash"
	// CompareStat compares size and an upload-time-derived value without
	// reading file contents; weaker than CompareHash but cheaper.
	CompareStat CompareMethod = "stat"
)

// Digest names a hash algorithm usable with Backend.HashFile, mirroring the
// mirror's digest_name configuration key.
type Digest string

const (
	DigestSHA256 Digest = "sha256"
	DigestMD5    Digest = "md5"
)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, atomically: the write lands at
	// a sibling temp name and is renamed into place, so readers never
	// observe a partial write. If the key already exists, it is replaced.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// IsDir reports whether key names a directory.
	IsDir(ctx context.Context, key string) (bool, error)

	// Rmdir removes a directory and everything beneath it.
	// Returns nil if the directory does not exist (idempotent).
	Rmdir(ctx context.Context, key string) error

	// Move atomically renames src to dst within this backend instance.
	// Returns ErrNotFound if src does not exist.
	Move(ctx context.Context, src, dst string) error

	// Copy duplicates the content at src to dst.
	Copy(ctx context.Context, src, dst string) error

	// Mkdir creates key, and any missing parents, as a directory.
	Mkdir(ctx context.Context, key string) error

	// Symlink makes dst resolve to src. Backends without native symlink
	// support emulate this with a pointer file; callers must not assume
	// a kernel-visible symlink and should resolve pointers via Backend
	// methods rather than the raw filesystem.
	Symlink(ctx context.Context, src, dst string) error

	// ReadLink resolves a pointer created by Symlink, returning the
	// target key. Returns ErrNotFound if dst is not a symlink/pointer.
	ReadLink(ctx context.Context, dst string) (string, error)

	// Scandir lists the immediate children of key (one level, unlike
	// List which is recursive), returning their base names.
	Scandir(ctx context.Context, key string) ([]string, error)

	// HashFile streams the content at key through the named digest and
	// returns its hex-encoded sum. Returns ErrNotFound if key is absent.
	HashFile(ctx context.Context, key string, digest Digest) (string, error)

	// CompareFiles reports whether a and b hold equivalent content,
	// according to method.
	CompareFiles(ctx context.Context, a, b string, method CompareMethod) (bool, error)

	// AcquireLock obtains an exclusive, non-blocking lock scoped to key.
	// The returned Lock must be released (via its Unlock method) on every
	// exit path; a second concurrent AcquireLock on the same key fails.
	AcquireLock(ctx context.Context, key string) (Lock, error)
}

// Lock represents a held exclusive lock obtained via Backend.AcquireLock.
type Lock interface {
	Unlock() error
}

// WriterBackend extends Backend with direct writer access.
// This is optional and allows backends to provide more efficient writes
// for callers that can write directly rather than provide a reader.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for writing to the given key.
	// The write is only committed when Close returns nil.
	// If Close returns an error, the write should be considered failed.
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}
