package backend

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemMove(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	data := []byte("move me")
	require.NoError(t, fs.Write(ctx, "src/a.txt", bytes.NewReader(data)))

	require.NoError(t, fs.Move(ctx, "src/a.txt", "dst/b.txt"))

	exists, _ := fs.Exists(ctx, "src/a.txt")
	require.False(t, exists)

	rc, err := fs.Read(ctx, "dst/b.txt")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, _ := io.ReadAll(rc)
	require.Equal(t, data, got)
}

func TestFilesystemMoveMissing(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	err := fs.Move(context.Background(), "nope", "dst")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemCopy(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	data := []byte("copy me")
	require.NoError(t, fs.Write(ctx, "src/a.txt", bytes.NewReader(data)))
	require.NoError(t, fs.Copy(ctx, "src/a.txt", "dst/b.txt"))

	// both should exist with identical content
	for _, key := range []string{"src/a.txt", "dst/b.txt"} {
		rc, err := fs.Read(ctx, key)
		require.NoError(t, err)
		got, _ := io.ReadAll(rc)
		_ = rc.Close()
		require.Equal(t, data, got)
	}
}

func TestFilesystemIsDir(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "a/b.txt", bytes.NewReader([]byte("x"))))

	isDir, err := fs.IsDir(ctx, "a")
	require.NoError(t, err)
	require.True(t, isDir)

	isDir, err = fs.IsDir(ctx, "a/b.txt")
	require.NoError(t, err)
	require.False(t, isDir)
}

func TestFilesystemRmdir(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "a/b.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, fs.Rmdir(ctx, "a"))

	exists, _ := fs.Exists(ctx, "a/b.txt")
	require.False(t, exists)

	// idempotent
	require.NoError(t, fs.Rmdir(ctx, "a"))
}

func TestFilesystemSymlink(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "json/proj", bytes.NewReader([]byte("{}"))))
	require.NoError(t, fs.Symlink(ctx, "json/proj", "pypi/proj/json"))

	target, err := fs.ReadLink(ctx, "pypi/proj/json")
	require.NoError(t, err)
	require.Equal(t, "json/proj", target)
}

func TestFilesystemScandir(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "simple/a/index.html", bytes.NewReader([]byte("x"))))
	require.NoError(t, fs.Write(ctx, "simple/b/index.html", bytes.NewReader([]byte("x"))))

	names, err := fs.Scandir(ctx, "simple")
	require.NoError(t, err)
	sort.Strings(names)
	require.Equal(t, []string{"a", "b"}, names)
}

func TestFilesystemHashFile(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "f.whl", bytes.NewReader([]byte("hello world"))))

	sum, err := fs.HashFile(ctx, "f.whl", DigestSHA256)
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
}

func TestFilesystemCompareFilesHash(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "a", bytes.NewReader([]byte("same"))))
	require.NoError(t, fs.Write(ctx, "b", bytes.NewReader([]byte("same"))))
	require.NoError(t, fs.Write(ctx, "c", bytes.NewReader([]byte("different"))))

	eq, err := fs.CompareFiles(ctx, "a", "b", CompareHash)
	require.NoError(t, err)
	require.True(t, eq)

	eq, err = fs.CompareFiles(ctx, "a", "c", CompareHash)
	require.NoError(t, err)
	require.False(t, eq)
}

func TestFilesystemAcquireLock(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	lock, err := fs.AcquireLock(ctx, ".lock")
	require.NoError(t, err)

	_, err = fs.AcquireLock(ctx, ".lock")
	require.Error(t, err)

	require.NoError(t, lock.Unlock())
}
