// Package controller drives one mirror run end to end: acquiring the
// mirror lock, loading the durable cursor, discovering work since the
// last synced serial, draining it through the worker pool, and finalizing
// (or preserving state on failure). It is the mirror's top-level state
// machine, grounded in the teacher's gc.Manager lifecycle shape
// (Config/Result/Start/Stop) generalized from a single periodic sweep
// into the run-to-completion state machine spec.md describes.
package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pypa/bandersnatch-go/backend"
	"github.com/pypa/bandersnatch-go/scheduler"
	"github.com/pypa/bandersnatch-go/upstream"
)

// Generation is bumped whenever an incompatible change to the mirror's
// on-disk state format ships; a stored generation that doesn't match
// forces a full resync.
const Generation = 1

// State names the controller's state machine states.
type State string

const (
	StateIdle        State = "IDLE"
	StateAcquireLock State = "ACQUIRE_LOCK"
	StateLoadCursor  State = "LOAD_CURSOR"
	StateDiscover    State = "DISCOVER"
	StateDrain       State = "DRAIN"
	StateFinalize    State = "FINALIZE"
	StateFailed      State = "FAILED"
)

const (
	statusKey       = "status"
	generationKey   = "generation"
	todoKey         = "todo"
	lockKey         = "mirror"
	rewriteEveryN   = 50
	simpleIndexPath = "simple/index.html"
)

// todoEntry is one line of the todo file: a project still owed work at
// the serial it was discovered at.
type todoEntry struct {
	Project string
	Serial  int64
}

// Todo is the parsed, mutable form of the on-disk todo file: a target
// serial plus the remaining project/serial pairs.
type Todo struct {
	TargetSerial int64
	Entries      []todoEntry
}

// Run summarizes the outcome of one controller run.
type Run struct {
	// ID correlates every log line this run emits, the way the teacher's
	// HTTP handlers tagged each request with an X-Request-ID.
	ID             string
	State          State
	TargetSerial   int64
	ProjectsSynced int
	ProjectsFailed int
	FailedProjects []string
	Err            error
}

// Controller runs the mirror's per-invocation state machine.
type Controller struct {
	Backend  backend.Backend
	Upstream *upstream.Client
	Pool     *scheduler.Pool
	Logger   *slog.Logger
}

// New constructs a Controller.
func New(be backend.Backend, up *upstream.Client, pool *scheduler.Pool, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Backend: be, Upstream: up, Pool: pool, Logger: logger}
}

// RunMirror executes IDLE → ACQUIRE_LOCK → LOAD_CURSOR → DISCOVER → DRAIN
// → FINALIZE (or FAILED), implementing spec.md §4.6's state machine.
// forceCheck bypasses the todo file and clears status, so the changelog
// is recomputed from serial 0.
func (c *Controller) RunMirror(ctx context.Context, forceCheck bool) (*Run, error) {
	run := &Run{ID: uuid.NewString(), State: StateIdle}
	c.Logger.Info("starting mirror run", "run_id", run.ID, "force_check", forceCheck)

	lock, err := c.Backend.AcquireLock(ctx, lockKey)
	if err != nil {
		run.State, run.Err = StateFailed, fmt.Errorf("controller: acquiring mirror lock: %w", err)
		return run, run.Err
	}
	defer func() { _ = lock.Unlock() }()
	run.State = StateAcquireLock

	status, err := c.loadCursor(ctx)
	if err != nil {
		run.State, run.Err = StateFailed, fmt.Errorf("controller: loading cursor: %w", err)
		return run, run.Err
	}
	run.State = StateLoadCursor
	if forceCheck {
		status = 0
	}

	todo, err := c.discover(ctx, status, forceCheck)
	if err != nil {
		run.State, run.Err = StateFailed, fmt.Errorf("controller: discovering work: %w", err)
		return run, run.Err
	}
	run.State = StateDiscover
	run.TargetSerial = todo.TargetSerial

	if len(todo.Entries) == 0 {
		// Empty changelog: no-op, no index rewrites, cursor still
		// advances to whatever target the changelog call reported.
		if err := c.finalize(ctx, todo.TargetSerial, false); err != nil {
			run.State, run.Err = StateFailed, err
			return run, err
		}
		run.State = StateFinalize
		return run, nil
	}

	failed, err := c.drain(ctx, todo)
	if err != nil {
		run.State, run.Err = StateFailed, err
		return run, err
	}
	run.State = StateDrain
	run.ProjectsSynced = len(todo.Entries) - len(failed)
	run.ProjectsFailed = len(failed)
	run.FailedProjects = failed

	if len(failed) > 0 {
		// status is never advanced past a serial for which any queued
		// project failed; todo is left intact for the next run.
		run.State = StateFailed
		run.Err = fmt.Errorf("controller: %d project(s) failed", len(failed))
		return run, run.Err
	}

	if err := c.finalize(ctx, todo.TargetSerial, true); err != nil {
		run.State, run.Err = StateFailed, err
		return run, err
	}
	run.State = StateFinalize
	return run, nil
}

// loadCursor reads generation and status. A generation mismatch (or a
// first-ever run, generation absent) clears status and forces a full
// sync, per spec.md's LOAD_CURSOR description.
func (c *Controller) loadCursor(ctx context.Context) (int64, error) {
	storedGen, err := c.readInt(ctx, generationKey)
	if err != nil {
		return 0, err
	}
	if storedGen != Generation {
		c.Logger.Info("generation mismatch, forcing full sync", "stored", storedGen, "current", Generation)
		if err := c.Backend.Write(ctx, generationKey, strings.NewReader(strconv.Itoa(Generation))); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return c.readInt(ctx, statusKey)
}

// discover resumes a well-formed todo file, or asks upstream for the
// current serial and the changelog delta since status and writes a fresh
// todo file atomically. A malformed todo file is discarded and discovery
// starts over, per spec.md's DISCOVER description.
func (c *Controller) discover(ctx context.Context, status int64, forceCheck bool) (*Todo, error) {
	if !forceCheck {
		if todo, ok, err := c.loadTodo(ctx); err != nil {
			return nil, err
		} else if ok {
			c.Logger.Info("resuming from existing todo", "entries", len(todo.Entries), "target_serial", todo.TargetSerial)
			return todo, nil
		}
	}

	target, err := c.Upstream.CurrentSerial(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching current serial: %w", err)
	}

	changes, err := c.Upstream.ChangelogSince(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("fetching changelog: %w", err)
	}

	todo := &Todo{TargetSerial: target}
	for _, entry := range changes {
		todo.Entries = append(todo.Entries, todoEntry{Project: entry.Project, Serial: entry.Serial})
	}

	if err := c.writeTodo(ctx, todo); err != nil {
		return nil, fmt.Errorf("writing todo: %w", err)
	}
	return todo, nil
}

// loadTodo reads and parses the todo file. ok is false if it doesn't
// exist or is malformed; a malformed file is deleted so the caller treats
// it the same as "absent". An error is returned only when reading fails.
func (c *Controller) loadTodo(ctx context.Context) (*Todo, bool, error) {
	rc, err := c.Backend.Read(ctx, todoKey)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = rc.Close() }()

	todo, err := parseTodo(rc)
	if err != nil {
		c.Logger.Warn("discarding malformed todo file", "error", err)
		_ = c.Backend.Delete(ctx, todoKey)
		return nil, false, nil
	}
	return todo, true, nil
}

func parseTodo(r io.Reader) (*Todo, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty todo file")
	}
	target, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("todo: first line is not an integer serial: %w", err)
	}

	todo := &Todo{TargetSerial: target}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("todo: malformed line %q", line)
		}
		serial, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("todo: malformed serial in line %q: %w", line, err)
		}
		todo.Entries = append(todo.Entries, todoEntry{Project: fields[0], Serial: serial})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return todo, nil
}

func (c *Controller) writeTodo(ctx context.Context, todo *Todo) error {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(todo.TargetSerial, 10))
	b.WriteString("\n")
	for _, entry := range todo.Entries {
		b.WriteString(entry.Project)
		b.WriteString("\t")
		b.WriteString(strconv.FormatInt(entry.Serial, 10))
		b.WriteString("\n")
	}
	return c.Backend.Write(ctx, todoKey, strings.NewReader(b.String()))
}

// drain enqueues every todo entry to the worker pool, rewriting the todo
// file every rewriteEveryN completions so a crash mid-run loses at most
// that many already-finished projects' progress, then waits for the pool
// to finish and returns the names of any projects that failed.
func (c *Controller) drain(ctx context.Context, todo *Todo) ([]string, error) {
	remaining := append([]todoEntry(nil), todo.Entries...)

	done := make(chan struct{})
	var failed []string
	completed := 0

	go func() {
		defer close(done)
		for outcome := range c.Pool.Outcomes() {
			completed++
			if outcome.Err != nil {
				failed = append(failed, outcome.Project)
				c.Logger.Error("project sync failed", "project", outcome.Project, "error", outcome.Err)
			} else {
				remaining = removeProject(remaining, outcome.Project)
			}
			if completed%rewriteEveryN == 0 {
				if err := c.writeTodo(ctx, &Todo{TargetSerial: todo.TargetSerial, Entries: remaining}); err != nil {
					c.Logger.Warn("failed to checkpoint todo file", "error", err)
				}
			}
		}
	}()

	go c.Pool.Run(ctx)

	for _, entry := range todo.Entries {
		c.Pool.Submit(entry.Project, entry.Serial)
	}
	c.Pool.Drain()

	<-done

	if err := c.writeTodo(ctx, &Todo{TargetSerial: todo.TargetSerial, Entries: remaining}); err != nil {
		return failed, fmt.Errorf("checkpointing todo file: %w", err)
	}

	return failed, nil
}

func removeProject(entries []todoEntry, project string) []todoEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Project != project {
			out = append(out, e)
		}
	}
	return out
}

// finalize writes status = targetSerial, deletes todo, and, when
// regenerateIndex is set, regenerates the root simple index, per spec.md's
// FINALIZE description.
func (c *Controller) finalize(ctx context.Context, targetSerial int64, regenerateIndex bool) error {
	if err := c.Backend.Write(ctx, statusKey, strings.NewReader(strconv.FormatInt(targetSerial, 10))); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	if err := c.Backend.Delete(ctx, todoKey); err != nil {
		return fmt.Errorf("deleting todo: %w", err)
	}
	if !regenerateIndex {
		return nil
	}
	if err := c.regenerateRootIndex(ctx); err != nil {
		return fmt.Errorf("regenerating root index: %w", err)
	}
	return nil
}

// regenerateRootIndex lists every known project directory under simple/
// and writes the root simple index listing all of them.
func (c *Controller) regenerateRootIndex(ctx context.Context) error {
	projects, err := c.Backend.Scandir(ctx, "simple")
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n    <meta name=\"pypi:repository-version\" content=\"1.0\">\n    <title>Simple index</title>\n  </head>\n  <body>\n")
	for _, project := range projects {
		b.WriteString(fmt.Sprintf("    <a href=\"%s/\">%s</a><br/>\n", project, project))
	}
	b.WriteString("  </body>\n</html>\n")

	return c.Backend.Write(ctx, simpleIndexPath, strings.NewReader(b.String()))
}

func (c *Controller) readInt(ctx context.Context, key string) (int64, error) {
	rc, err := c.Backend.Read(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
