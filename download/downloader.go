// Package download provides singleflight-based deduplication for concurrent
// "sync <project>" CLI invocations. If two operators (or a cron job and an
// operator) trigger a sync for the same project while one is already
// in-flight, the second call rides the first's result instead of racing it
// through the package pipeline twice.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

// Result holds the outcome of a project sync.
type Result struct {
	Project string
	Serial  int64
	Files   int
}

// SyncFunc runs the package pipeline for a single project and reports how
// many release files it touched.
type SyncFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent project syncs using singleflight. It
// uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight sync for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent syncs for the same project name.
// The fn receives a background context (not tied to any single caller).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the sync completes, Do returns
// the context error but the in-flight sync continues for other waiters.
func (d *Downloader) Do(ctx context.Context, project string, fn SyncFunc) (*Result, bool, error) {
	key := bandersnatch.NormalizeProjectName(project)
	ch := d.group.DoChan(key, func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the sync for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the project from the singleflight group, allowing a
// subsequent call to retry. Typically called after a sync error.
func (d *Downloader) Forget(project string) {
	d.group.Forget(bandersnatch.NormalizeProjectName(project))
}

// forgetOnDownloadError forgets project only for real sync errors. A
// context error means the caller gave up while the sync was still
// in-flight for other waiters; forgetting here would make a second caller
// pay for a fresh pipeline run instead of joining the one already running.
func forgetOnDownloadError(d *Downloader, project string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(project)
}
