package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pypa/bandersnatch-go/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording. Every method
// records an operation counter/duration pair under the wrapped backend's
// name, so the pipeline and controller don't need to instrument call sites
// individually.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (ib *InstrumentedBackend) IsDir(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	isDir, err := ib.backend.IsDir(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "is_dir", outcomeFromError(err), time.Since(start), 0)
	return isDir, err
}

func (ib *InstrumentedBackend) Rmdir(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Rmdir(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "rmdir", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Move(ctx context.Context, src, dst string) error {
	start := time.Now()
	err := ib.backend.Move(ctx, src, dst)
	telemetry.RecordBackendOp(ctx, ib.name, "move", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Copy(ctx context.Context, src, dst string) error {
	start := time.Now()
	err := ib.backend.Copy(ctx, src, dst)
	telemetry.RecordBackendOp(ctx, ib.name, "copy", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Mkdir(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Mkdir(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "mkdir", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Symlink(ctx context.Context, src, dst string) error {
	start := time.Now()
	err := ib.backend.Symlink(ctx, src, dst)
	telemetry.RecordBackendOp(ctx, ib.name, "symlink", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) ReadLink(ctx context.Context, dst string) (string, error) {
	start := time.Now()
	target, err := ib.backend.ReadLink(ctx, dst)
	telemetry.RecordBackendOp(ctx, ib.name, "readlink", outcomeFromError(err), time.Since(start), 0)
	return target, err
}

func (ib *InstrumentedBackend) Scandir(ctx context.Context, key string) ([]string, error) {
	start := time.Now()
	names, err := ib.backend.Scandir(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "scandir", outcomeFromError(err), time.Since(start), 0)
	return names, err
}

func (ib *InstrumentedBackend) HashFile(ctx context.Context, key string, digest Digest) (string, error) {
	start := time.Now()
	sum, err := ib.backend.HashFile(ctx, key, digest)
	telemetry.RecordBackendOp(ctx, ib.name, "hash_file", outcomeFromError(err), time.Since(start), 0)
	return sum, err
}

func (ib *InstrumentedBackend) CompareFiles(ctx context.Context, a, b string, method CompareMethod) (bool, error) {
	start := time.Now()
	eq, err := ib.backend.CompareFiles(ctx, a, b, method)
	telemetry.RecordBackendOp(ctx, ib.name, "compare_files", outcomeFromError(err), time.Since(start), 0)
	return eq, err
}

func (ib *InstrumentedBackend) AcquireLock(ctx context.Context, key string) (Lock, error) {
	start := time.Now()
	lock, err := ib.backend.AcquireLock(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "acquire_lock", outcomeFromError(err), time.Since(start), 0)
	return lock, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Writer delegates to the underlying backend if it implements WriterBackend.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend does not support Writer")
	}
	start := time.Now()
	wc, err := wb.Writer(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "writer", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
)
