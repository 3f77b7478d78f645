package backend

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// symlinkSuffix marks the pointer files used to emulate symlinks on
// backends (or callers) that don't want to depend on native ones. The
// mirror always writes this form so behavior is identical across
// filesystem and future object-store backends.
const symlinkSuffix = ".ptr"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path := fs.keyToPath(key)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Write to temp file first
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	// Copy data to temp file
	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	// Sync to disk
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	// Close before rename
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path := fs.keyToPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	path := fs.keyToPath(key)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path := fs.keyToPath(key)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)

	// Check if the path exists
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// If it's a file, return just that key
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Skip temp files
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		// Convert path back to key
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (fs *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	path := fs.keyToPath(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Writer returns a WriteCloser for writing to the given key.
// The write is atomic - data is written to a temp file and renamed on Close.
func (fs *Filesystem) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	path := fs.keyToPath(key)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Create temp file
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	// Convert forward slashes to OS-specific separator
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// atomicWriter wraps a file for atomic writing.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	closed  bool
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write by renaming the temp file.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	// Sync to disk
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	// Close the file
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Abort cancels the write and removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

// IsDir reports whether key names a directory.
func (fs *Filesystem) IsDir(ctx context.Context, key string) (bool, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat path: %w", err)
	}
	return info.IsDir(), nil
}

// Rmdir removes a directory and everything beneath it.
func (fs *Filesystem) Rmdir(ctx context.Context, key string) error {
	err := os.RemoveAll(fs.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing directory: %w", err)
	}
	return nil
}

// Move atomically renames src to dst.
func (fs *Filesystem) Move(ctx context.Context, src, dst string) error {
	srcPath := fs.keyToPath(src)
	dstPath := fs.keyToPath(dst)
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", src, dst, err)
	}
	return nil
}

// Copy duplicates the content at src to dst by streaming through Write, so
// it works even when src and dst live on different devices.
func (fs *Filesystem) Copy(ctx context.Context, src, dst string) error {
	rc, err := fs.Read(ctx, src)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return fs.Write(ctx, dst, rc)
}

// Mkdir creates key, and any missing parents, as a directory.
func (fs *Filesystem) Mkdir(ctx context.Context, key string) error {
	if err := os.MkdirAll(fs.keyToPath(key), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", key, err)
	}
	return nil
}

// Symlink emulates a symlink from dst to src with a pointer file, so
// behavior is uniform whether or not the underlying OS/filesystem
// supports native symlinks.
func (fs *Filesystem) Symlink(ctx context.Context, src, dst string) error {
	return fs.Write(ctx, dst+symlinkSuffix, strings.NewReader(src))
}

// ReadLink resolves a pointer file written by Symlink.
func (fs *Filesystem) ReadLink(ctx context.Context, dst string) (string, error) {
	rc, err := fs.Read(ctx, dst+symlinkSuffix)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	target, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading pointer file: %w", err)
	}
	return string(target), nil
}

// Scandir lists the immediate children of key.
func (fs *Filesystem) Scandir(ctx context.Context, key string) ([]string, error) {
	dir := fs.keyToPath(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory %s: %w", key, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func newDigestHasher(digest Digest) (hash.Hash, error) {
	switch digest {
	case DigestSHA256, "":
		return sha256.New(), nil
	case DigestMD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest %q", digest)
	}
}

// HashFile streams the content at key through the named digest.
func (fs *Filesystem) HashFile(ctx context.Context, key string, digest Digest) (string, error) {
	h, err := newDigestHasher(digest)
	if err != nil {
		return "", err
	}
	rc, err := fs.Read(ctx, key)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("hashing %s: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompareFiles reports whether a and b hold equivalent content.
func (fs *Filesystem) CompareFiles(ctx context.Context, a, b string, method CompareMethod) (bool, error) {
	switch method {
	case CompareStat, "":
		aInfo, err := os.Stat(fs.keyToPath(a))
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("stat %s: %w", a, err)
		}
		bInfo, err := os.Stat(fs.keyToPath(b))
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("stat %s: %w", b, err)
		}
		return aInfo.Size() == bInfo.Size() && aInfo.ModTime().Truncate(1e9).Equal(bInfo.ModTime().Truncate(1e9)), nil
	case CompareHash:
		ha, err := fs.HashFile(ctx, a, DigestSHA256)
		if err != nil {
			if err == ErrNotFound {
				return false, nil
			}
			return false, err
		}
		hb, err := fs.HashFile(ctx, b, DigestSHA256)
		if err != nil {
			if err == ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return ha == hb, nil
	default:
		return false, fmt.Errorf("unsupported compare method %q", method)
	}
}

// flockLock adapts github.com/gofrs/flock to the Lock interface.
type flockLock struct {
	fl *flock.Flock
}

func (l *flockLock) Unlock() error {
	return l.fl.Unlock()
}

// AcquireLock obtains an exclusive, non-blocking lock file at
// <root>/<key>. It is used once per run to guard the whole mirror
// directory against concurrent bandersnatch invocations.
func (fs *Filesystem) AcquireLock(ctx context.Context, key string) (Lock, error) {
	path := fs.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, ErrLockHeld)
	}
	return &flockLock{fl: fl}, nil
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ WriterBackend    = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
