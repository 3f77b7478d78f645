// Package scheduler runs the package pipeline across a fixed pool of
// workers, matching spec.md's worker-pool model: a bounded FIFO queue, at
// most one active pipeline per project, and drain-to-completion
// cancellation semantics. It replaces the teacher's gc.Manager
// single-background-goroutine shape with an N-worker pool, since the
// mirror's workload is "sync many independent projects concurrently"
// rather than "run one GC sweep periodically."
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pypa/bandersnatch-go/pipeline"
)

// MinWorkers and MaxWorkers bound the configurable pool size.
const (
	MinWorkers     = 1
	MaxWorkers     = 10
	DefaultWorkers = 3
)

// Config configures the Pool.
type Config struct {
	// Workers is the number of concurrent pipeline runs; clamped to
	// [MinWorkers, MaxWorkers].
	Workers int
	// QueueSize bounds the FIFO work queue; Submit blocks once full.
	QueueSize int
	// Timeout bounds a single worker's pipeline.Sync call, matching
	// mirror.conf's global-timeout key. Zero disables the bound.
	Timeout time.Duration
}

// DefaultConfig returns the mirror's documented defaults.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers, QueueSize: 1024}
}

// Outcome pairs one project's pipeline Result with any error it produced.
type Outcome struct {
	Project string
	Result  *pipeline.Result
	Err     error
}

// job is one queued unit of work: a project name plus the serial its todo
// entry expected, so the pipeline can detect a stale upstream response.
type job struct {
	project        string
	expectedSerial int64
}

// Pool runs pipeline.Sync for queued projects across a fixed worker
// count, deduplicating so at most one sync per project is ever active or
// queued at a time.
type Pool struct {
	pipeline *pipeline.Pipeline
	config   Config
	logger   *slog.Logger

	queue chan job

	mu       sync.Mutex
	queued   map[string]bool
	active   map[string]bool
	draining bool

	outcomes chan Outcome
	wg       sync.WaitGroup
}

// New constructs a Pool bound to the given pipeline.
func New(p *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < MinWorkers {
		cfg.Workers = MinWorkers
	}
	if cfg.Workers > MaxWorkers {
		cfg.Workers = MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pool{
		pipeline: p,
		config:   cfg,
		logger:   logger,
		queue:    make(chan job, cfg.QueueSize),
		queued:   map[string]bool{},
		active:   map[string]bool{},
		outcomes: make(chan Outcome, cfg.QueueSize),
	}
}

// Submit enqueues a project for sync. It is a no-op if the project is
// already queued or actively syncing, implementing the
// at-most-one-active-pipeline-per-project invariant. Returns false if the
// pool is draining and no longer accepting new work. expectedSerial is the
// serial the caller's todo entry recorded for project; pass 0 when there is
// none, which disables the pipeline's stale-metadata retry for this job.
func (p *Pool) Submit(project string, expectedSerial int64) bool {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return false
	}
	if p.queued[project] || p.active[project] {
		p.mu.Unlock()
		return false
	}
	p.queued[project] = true
	p.mu.Unlock()

	p.queue <- job{project: project, expectedSerial: expectedSerial}
	return true
}

// Outcomes returns the channel Pool publishes each completed sync's
// result to. Callers (the controller) should drain this continuously
// while Run is active.
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Run starts the fixed worker pool and blocks until Drain has closed the
// queue and the workers have emptied it, or ctx is cancelled. On
// cancellation, no new project is
// dispatched; workers already running a pipeline finish their current
// suspension point and return, discarding partial writes (the pipeline's
// own temp-file-then-rename downloads already guarantee nothing partial
// is ever visible on disk).
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	close(p.outcomes)
}

// Drain marks the pool as no longer accepting Submit calls and closes the
// queue once all currently queued work has been read by a worker, so Run
// can return after finishing in-flight and already-queued syncs.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	close(p.queue)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping: context cancelled")
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.runOne(ctx, logger, j)
		}
	}
}

func (p *Pool) runOne(ctx context.Context, logger *slog.Logger, j job) {
	project := j.project

	p.mu.Lock()
	delete(p.queued, project)
	p.active[project] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.active, project)
		p.mu.Unlock()
	}()

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.pipeline.Sync(ctx, project, j.expectedSerial)
	if err != nil {
		err = fmt.Errorf("scheduler: syncing %s: %w", project, err)
		logger.Error("sync failed", "project", project, "error", err, "elapsed", time.Since(start))
	} else {
		logger.Debug("sync finished", "project", project, "elapsed", time.Since(start))
	}

	select {
	case p.outcomes <- Outcome{Project: project, Result: result, Err: err}:
	case <-ctx.Done():
	}
}
