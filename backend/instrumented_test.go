package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_Write(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	err = ib.Write(ctx, "test/key", strings.NewReader("hello world"))
	require.NoError(t, err)
}

func TestInstrumentedBackend_Read_RoundTrip(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	_, err = ib.Read(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Exists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "missing/key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "present/key", strings.NewReader("data")))
	exists, err = ib.Exists(ctx, "present/key")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_Delete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "del/key", strings.NewReader("bye")))
	require.NoError(t, ib.Delete(ctx, "del/key"))

	exists, err := ib.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_List(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "list/a", strings.NewReader("a")))
	require.NoError(t, ib.Write(ctx, "list/b", strings.NewReader("b")))

	keys, err := ib.List(ctx, "list/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestInstrumentedBackend_Size(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	content := "size test content"
	require.NoError(t, ib.Write(ctx, "size/key", strings.NewReader(content)))

	size, err := ib.Size(ctx, "size/key")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), size)
}

func TestInstrumentedBackend_MoveCopyMkdir(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Mkdir(ctx, "a/b"))
	isDir, err := ib.IsDir(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, isDir)

	require.NoError(t, ib.Write(ctx, "a/b/f.txt", strings.NewReader("x")))
	require.NoError(t, ib.Copy(ctx, "a/b/f.txt", "a/b/f2.txt"))
	require.NoError(t, ib.Move(ctx, "a/b/f2.txt", "a/c/f2.txt"))

	exists, err := ib.Exists(ctx, "a/c/f2.txt")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Rmdir(ctx, "a"))
	isDir, err = ib.IsDir(ctx, "a")
	require.NoError(t, err)
	require.False(t, isDir)
}

func TestInstrumentedBackend_SymlinkScandir(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "json/proj", strings.NewReader("{}")))
	require.NoError(t, ib.Symlink(ctx, "json/proj", "pypi/proj/json"))

	target, err := ib.ReadLink(ctx, "pypi/proj/json")
	require.NoError(t, err)
	require.Equal(t, "json/proj", target)

	names, err := ib.Scandir(ctx, "json")
	require.NoError(t, err)
	require.Equal(t, []string{"proj"}, names)
}

func TestInstrumentedBackend_HashAndCompareFiles(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "f", strings.NewReader("hello world")))

	sum, err := ib.HashFile(ctx, "f", DigestSHA256)
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)

	require.NoError(t, ib.Write(ctx, "g", strings.NewReader("hello world")))
	eq, err := ib.CompareFiles(ctx, "f", "g", CompareHash)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestInstrumentedBackend_AcquireLock(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	lock, err := ib.AcquireLock(ctx, ".lock")
	require.NoError(t, err)

	_, err = ib.AcquireLock(ctx, ".lock")
	require.Error(t, err)

	require.NoError(t, lock.Unlock())
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
