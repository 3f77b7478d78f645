// Package pipeline implements the per-project sync sequence: fetch
// metadata, filter, diff against local storage, download missing files,
// and publish the simple index and JSON metadata. It is the mirror's
// equivalent of the teacher's fetchAndStoreFile request path, generalized
// from "serve one file on demand" to "reconcile one project's entire file
// set against upstream."
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	pep440 "github.com/aquasecurity/go-pep440-version"

	bandersnatch "github.com/pypa/bandersnatch-go"
	"github.com/pypa/bandersnatch-go/backend"
	"github.com/pypa/bandersnatch-go/cache"
	"github.com/pypa/bandersnatch-go/filter"
	"github.com/pypa/bandersnatch-go/upstream"
)

// Result summarizes the outcome of syncing one project.
type Result struct {
	Project         string
	Serial          int64
	Dropped         bool
	FilesDownloaded int
	FilesRemoved    int
	BytesDownloaded int64
	DiffFiles       []string
}

// Options configures a Pipeline's behavior, mirroring the mirror.conf
// keys that affect per-project sync.
type Options struct {
	// CompareMethod selects how local files are diffed against metadata:
	// "hash" (stream and compare a digest) or "stat" (size only).
	CompareMethod backend.CompareMethod
	// DigestName is the digest used for CompareHash and for naming the
	// stored file's verification hash ("sha256" is the only supported
	// value upstream actually advertises digests for).
	DigestName backend.Digest
	// HashIndex shards web/simple/<letter>/<project>/ instead of
	// web/simple/<project>/, matching mirror.conf's hash-index setting.
	HashIndex bool
	// KeepIndexVersions bounds how many historical copies of a project's
	// index documents are retained; 0 disables rotation.
	KeepIndexVersions int
	// DiffAppendEnabled, when true, appends each sync's touched file
	// paths to DiffFile instead of overwriting it.
	DiffAppendEnabled bool
	DiffFile          string
}

// DefaultOptions returns the mirror's documented defaults.
func DefaultOptions() Options {
	return Options{
		CompareMethod:     backend.CompareHash,
		DigestName:        backend.DigestSHA256,
		HashIndex:         false,
		KeepIndexVersions: 0,
	}
}

// Pipeline runs the nine-step package sync sequence for one project at a
// time. It holds no per-project state between calls; callers (the
// scheduler) are responsible for ensuring at most one Sync call per
// project name runs concurrently.
type Pipeline struct {
	Backend  backend.Backend
	Upstream *upstream.Client
	Filters  *filter.Chain
	Opts     Options
	Logger   *slog.Logger

	// Cache, if set, is written through to on every successful sync and
	// download. It is never consulted to skip work: status/generation/todo
	// and the on-disk content itself remain the sole source of truth, per
	// cache.go's own non-authoritative contract. A nil Cache disables this
	// bookkeeping entirely.
	Cache *cache.Cache
}

// New constructs a Pipeline, defaulting Opts and Logger if left zero.
func New(be backend.Backend, up *upstream.Client, chain *filter.Chain, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DigestName == "" {
		opts.DigestName = backend.DigestSHA256
	}
	if opts.CompareMethod == "" {
		opts.CompareMethod = backend.CompareHash
	}
	return &Pipeline{Backend: be, Upstream: up, Filters: chain, Opts: opts, Logger: logger}
}

// fetchFreshMetadata fetches and parses a project's metadata, retrying when
// the returned serial is behind expectedSerial (a stale cache/CDN response).
// expectedSerial <= 0 disables the staleness check entirely.
func (p *Pipeline) fetchFreshMetadata(ctx context.Context, logger *slog.Logger, project string, expectedSerial int64) (*bandersnatch.ProjectMetadata, error) {
	maxRetries := p.Upstream.MaxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if werr := upstream.WaitBackoff(ctx, attempt); werr != nil {
				return nil, werr
			}
			logger.Warn("retrying metadata fetch after stale page", "attempt", attempt, "expected_serial", expectedSerial)
		}

		raw, err := p.Upstream.FetchProjectMetadata(ctx, project)
		if err != nil {
			return nil, err
		}
		metadata, err := ParseProjectMetadata(project, raw)
		if err != nil {
			return nil, err
		}
		if expectedSerial <= 0 || metadata.LastSerial >= expectedSerial {
			return metadata, nil
		}
		lastErr = fmt.Errorf("%w: got serial %d, expected at least %d", upstream.ErrStalePage, metadata.LastSerial, expectedSerial)
	}
	return nil, lastErr
}

// Sync runs the nine-step per-project pipeline. expectedSerial is the serial
// the caller's todo entry recorded when the project was scheduled; pass 0
// when there is no such expectation (a standalone CLI sync or a verify
// repair pass, neither of which derive from a todo file). When positive, a
// fetched metadata.LastSerial that falls behind it is treated as a stale
// page (a CDN/cache serving old data) and retried up to the upstream
// client's retry budget before the project is failed with ErrStalePage,
// per spec.md §4.4 step 2 and §7's "Stale metadata" row.
func (p *Pipeline) Sync(ctx context.Context, project string, expectedSerial int64) (*Result, error) {
	logger := p.Logger.With("project", project)

	// Step 1 (acquire project slot) is the scheduler's responsibility;
	// the pipeline assumes it already holds exclusive access to project.

	// Step 2: fetch metadata, handling NotFound/StaleMetadata.
	metadata, err := p.fetchFreshMetadata(ctx, logger, project, expectedSerial)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			logger.Info("project no longer known upstream, purging local state")
			if err := p.purgeProject(ctx, project); err != nil {
				return nil, fmt.Errorf("pipeline: purging deleted project %s: %w", project, err)
			}
			return &Result{Project: project, Dropped: true}, nil
		}
		return nil, fmt.Errorf("pipeline: fetching metadata for %s: %w", project, err)
	}

	// Step 3: run the filter chain. metadata.ExistingVersions is populated
	// first from the previously-published classic JSON, if any, so
	// count/range-based release filters (latest-N) can exempt a version
	// already mirrored from being dropped purely for falling outside their
	// window, per spec.md §4.3's "the currently-installed version, if any,
	// is always kept" clause.
	metadata.ExistingVersions = p.loadExistingVersions(ctx, project)
	if p.Filters != nil {
		decision, err := p.Filters.Evaluate(ctx, metadata)
		if err != nil {
			return nil, fmt.Errorf("pipeline: filtering %s: %w", project, err)
		}
		if decision == filter.DropProject {
			logger.Info("project dropped by filter chain")
			if err := p.purgeProject(ctx, metadata.Name); err != nil {
				return nil, fmt.Errorf("pipeline: purging dropped project %s: %w", project, err)
			}
			return &Result{Project: metadata.Name, Serial: metadata.LastSerial, Dropped: true}, nil
		}
	}

	// Step 4: plan the file set the project should have on disk after
	// this sync, sorted deterministically (version, then upload time,
	// then filename).
	planned := PlanFileSet(metadata)

	// Step 5: diff against disk.
	toFetch, toRemove, err := p.diff(ctx, metadata.Name, planned)
	if err != nil {
		return nil, fmt.Errorf("pipeline: diffing %s: %w", project, err)
	}

	result := &Result{Project: metadata.Name, Serial: metadata.LastSerial}

	// Step 6: download missing files with retry, hashing as they arrive,
	// atomically renaming into the canonical path on success.
	for _, pf := range toFetch {
		n, err := p.downloadFile(ctx, metadata.Name, pf)
		if err != nil {
			return nil, fmt.Errorf("pipeline: downloading %s for %s: %w", pf.File.Filename, project, err)
		}
		result.FilesDownloaded++
		result.BytesDownloaded += n
		result.DiffFiles = append(result.DiffFiles, pf.CanonicalPath)
	}

	// Stale files (releases/files the new metadata no longer lists) are
	// removed from disk so the mirror doesn't serve withdrawn content.
	for _, stale := range toRemove {
		if err := p.Backend.Delete(ctx, stale); err != nil {
			logger.Warn("failed to remove stale file", "path", stale, "error", err)
			continue
		}
		result.FilesRemoved++
		result.DiffFiles = append(result.DiffFiles, stale)
	}

	// Step 7: publish the simple index (HTML + versioned HTML/JSON),
	// rotating old copies per keep_index_versions.
	if err := p.publishIndexes(ctx, metadata); err != nil {
		return nil, fmt.Errorf("pipeline: publishing indexes for %s: %w", project, err)
	}

	// Step 8: publish classic JSON metadata plus the web/pypi pointer.
	if err := p.publishJSON(ctx, metadata.Name, metadata.Raw); err != nil {
		return nil, fmt.Errorf("pipeline: publishing json for %s: %w", project, err)
	}

	// Step 9: record the diff list, if configured.
	if p.Opts.DiffFile != "" && len(result.DiffFiles) > 0 {
		if err := p.recordDiff(ctx, result.DiffFiles); err != nil {
			logger.Warn("failed to record diff", "error", err)
		}
	}

	if p.Cache != nil {
		if err := p.Cache.PutProjectSerial(metadata.Name, uint64(metadata.LastSerial)); err != nil {
			logger.Warn("failed to update project-serial cache", "error", err)
		}
	}

	logger.Info("synced project", "files_downloaded", result.FilesDownloaded, "files_removed", result.FilesRemoved)
	return result, nil
}

// PlannedFile pairs a release file with its canonical on-disk path.
type PlannedFile struct {
	File          bandersnatch.ReleaseFile
	CanonicalPath string
}

// PlanFileSet walks the (already filtered) releases in deterministic
// order: parsed version ascending, then upload time, then filename.
// Versions that do not parse as PEP 440 come first, in string order.
func PlanFileSet(metadata *bandersnatch.ProjectMetadata) []PlannedFile {
	versions := make([]string, 0, len(metadata.Releases))
	for v := range metadata.Releases {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	sort.SliceStable(versions, func(i, j int) bool {
		vi, errI := pep440.Parse(versions[i])
		vj, errJ := pep440.Parse(versions[j])
		if errI != nil || errJ != nil {
			return errI != nil && errJ == nil
		}
		return vi.LessThan(vj)
	})

	var planned []PlannedFile
	for _, v := range versions {
		release := metadata.Releases[v]
		files := append([]bandersnatch.ReleaseFile(nil), release.Files...)
		sort.Slice(files, func(i, j int) bool {
			if !files[i].UploadTime.Equal(files[j].UploadTime) {
				return files[i].UploadTime.Before(files[j].UploadTime)
			}
			return files[i].Filename < files[j].Filename
		})
		for _, f := range files {
			h, err := bandersnatch.ParseHash(f.SHA256)
			if err != nil {
				// A file with no usable sha256 digest can't be content
				// addressed; skip it rather than fail the whole project.
				continue
			}
			planned = append(planned, PlannedFile{File: f, CanonicalPath: bandersnatch.PackagePath(h, f.Filename)})
		}
	}
	return planned
}

// diff compares the planned file set against what already exists under
// the project's package tree, returning files to fetch and stale paths to
// remove.
func (p *Pipeline) diff(ctx context.Context, project string, planned []PlannedFile) (toFetch []PlannedFile, toRemove []string, err error) {
	want := make(map[string]bool, len(planned))
	for _, pf := range planned {
		want[pf.CanonicalPath] = true

		ok, err := p.Backend.Exists(ctx, pf.CanonicalPath)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			toFetch = append(toFetch, pf)
			continue
		}

		if p.Opts.CompareMethod == backend.CompareStat {
			// Existence plus a size check is enough under stat-compare;
			// content is trusted once it's on disk at its hash-derived path.
			// A backend that reports no sizes gets the existence check only.
			if sb, ok := p.Backend.(backend.SizeAwareBackend); ok {
				size, err := sb.Size(ctx, pf.CanonicalPath)
				if err != nil {
					return nil, nil, err
				}
				if size != pf.File.Size {
					toFetch = append(toFetch, pf)
				}
			}
			continue
		}

		sum, err := p.Backend.HashFile(ctx, pf.CanonicalPath, p.Opts.DigestName)
		if err != nil {
			return nil, nil, err
		}
		if sum != pf.File.SHA256 {
			toFetch = append(toFetch, pf)
		}
	}

	existing, err := p.Backend.List(ctx, projectPackagePrefix(project))
	if err != nil && !isNotFound(err) {
		return nil, nil, err
	}
	for _, key := range existing {
		if !want[key] {
			toRemove = append(toRemove, key)
		}
	}

	return toFetch, toRemove, nil
}

// projectPackagePrefix is a best-effort scoping prefix; the mirror's
// content-addressed layout doesn't key packages/ by project name, so a
// full diff walk is left to the verify package (C7) which owns
// authoritative reconciliation. Per-sync diffing here only catches files
// this same project's current metadata no longer references among the
// paths it already knows about.
func projectPackagePrefix(project string) string {
	return path.Join("packages")
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}

// CheckFile reports whether the file already on disk at pf.CanonicalPath
// matches pf's expected digest (under stat-compare, its expected size), so
// callers outside this package (the verify pass) can reuse the same check
// Sync's diff step performs without duplicating it. ok is false both when
// the path is absent and when its content doesn't match.
func (p *Pipeline) CheckFile(ctx context.Context, pf PlannedFile) (ok bool, err error) {
	exists, err := p.Backend.Exists(ctx, pf.CanonicalPath)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if p.Opts.CompareMethod == backend.CompareStat {
		if sb, ok := p.Backend.(backend.SizeAwareBackend); ok {
			size, err := sb.Size(ctx, pf.CanonicalPath)
			if err != nil {
				return false, err
			}
			return size == pf.File.Size, nil
		}
		return true, nil
	}
	sum, err := p.Backend.HashFile(ctx, pf.CanonicalPath, p.Opts.DigestName)
	if err != nil {
		return false, err
	}
	return sum == pf.File.SHA256, nil
}

// downloadFile streams one release file from upstream to a temp path,
// hashing as it arrives, then atomically renames it into its canonical
// content-addressed path on success. Transient network errors and hash/size
// mismatches are retried up to the upstream client's configured retry
// budget before the file (and its project) is failed, per spec.md §4.4
// step 6 and §7's "Integrity failure" row. A project-not-found-style
// terminal error from StreamArtifact is not retried since a retry cannot
// fix it.
func (p *Pipeline) downloadFile(ctx context.Context, project string, pf PlannedFile) (int64, error) {
	maxRetries := p.Upstream.MaxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if werr := upstream.WaitBackoff(ctx, attempt); werr != nil {
				return 0, werr
			}
			p.Logger.Warn("retrying file download", "project", project, "file", pf.File.Filename, "attempt", attempt, "error", lastErr)
		}

		n, err := p.downloadFileOnce(ctx, project, pf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, upstream.ErrNotFound) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("downloading %s: exhausted %d retries: %w", pf.File.Filename, maxRetries, lastErr)
}

// downloadFileOnce is a single stream-hash-verify-rename attempt, the body
// downloadFile retries on failure.
func (p *Pipeline) downloadFileOnce(ctx context.Context, project string, pf PlannedFile) (int64, error) {
	tmp, err := os.CreateTemp("", "bandersnatch-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	hasher := sha256.New()
	err = p.Upstream.StreamArtifact(ctx, pf.File.URL, "", pf.File.Size, io.MultiWriter(tmp, hasher))
	closeErr := tmp.Close()
	if err != nil {
		return 0, fmt.Errorf("streaming %s: %w", pf.File.Filename, err)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("closing temp file: %w", closeErr)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if pf.File.SHA256 != "" && sum != pf.File.SHA256 {
		return 0, fmt.Errorf("%w for %s: expected %s, got %s", upstream.ErrChecksumMismatch, pf.File.Filename, pf.File.SHA256, sum)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("reopening temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := p.Backend.Write(ctx, pf.CanonicalPath, f); err != nil {
		return 0, fmt.Errorf("writing %s: %w", pf.CanonicalPath, err)
	}

	if p.Cache != nil {
		if err := p.Cache.SetFileHash(project, pf.File.Filename, sum, pf.File.Size); err != nil {
			p.Logger.Warn("failed to update file-hash cache", "project", project, "file", pf.File.Filename, "error", err)
		}
	}

	return pf.File.Size, nil
}

// loadExistingVersions reads the previously-published classic JSON for
// project, if any, and returns the set of release versions it recorded.
// Absence (first-ever sync) or a decode failure both yield an empty set;
// this is best-effort context for release filters, not authoritative state.
func (p *Pipeline) loadExistingVersions(ctx context.Context, project string) map[string]bool {
	normalized := bandersnatch.NormalizeProjectName(project)
	rc, err := p.Backend.Read(ctx, path.Join("web", "json", normalized))
	if err != nil {
		return nil
	}
	defer func() { _ = rc.Close() }()

	var raw map[string]any
	if err := json.NewDecoder(rc).Decode(&raw); err != nil {
		p.Logger.Warn("failed to decode prior JSON metadata for existing-version check", "project", project, "error", err)
		return nil
	}
	prior, err := ParseProjectMetadata(project, raw)
	if err != nil {
		return nil
	}

	existing := make(map[string]bool, len(prior.Releases))
	for version := range prior.Releases {
		existing[version] = true
	}
	return existing
}

// purgeProject removes a project's simple-index and JSON entries, used
// when a filter drops the entire project. Release files under packages/
// are not removed here, since they may be shared by another project's
// index in the content-addressed layout; the verify pass does not delete
// them either.
func (p *Pipeline) purgeProject(ctx context.Context, project string) error {
	normalized := bandersnatch.NormalizeProjectName(project)
	if err := p.Backend.Rmdir(ctx, bandersnatch.SimpleProjectDir(normalized, p.Opts.HashIndex)); err != nil {
		return err
	}
	return p.Backend.Delete(ctx, path.Join("web", "json", normalized))
}

// simpleJSONFile and simpleJSONDoc mirror the PEP 691 JSON simple-API
// shape produced for each project's index.v1_json document.
type simpleJSONFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	Size           int64             `json:"size,omitempty"`
	RequiresPython string            `json:"requires-python,omitempty"`
	Yanked         any               `json:"yanked,omitempty"`
}

type simpleJSONDoc struct {
	Meta  struct {
		APIVersion string `json:"api-version"`
	} `json:"meta"`
	Name  string           `json:"name"`
	Files []simpleJSONFile `json:"files"`
}

// renderSimpleHTML renders the classic simple-index HTML page for a
// project: one <a> per release file, with a data-yanked attribute for
// yanked releases per PEP 592.
func renderSimpleHTML(metadata *bandersnatch.ProjectMetadata) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n    <meta name=\"pypi:repository-version\" content=\"1.0\">\n")
	b.WriteString(fmt.Sprintf("    <title>Links for %s</title>\n  </head>\n  <body>\n    <h1>Links for %s</h1>\n", html.EscapeString(metadata.Name), html.EscapeString(metadata.Name)))

	for _, pf := range PlanFileSet(metadata) {
		link := path.Join("..", "..", pf.CanonicalPath)
		attrs := fmt.Sprintf("href=\"%s#sha256=%s\"", html.EscapeString(link), pf.File.SHA256)
		if pf.File.RequiresPython != "" {
			attrs += fmt.Sprintf(" data-requires-python=\"%s\"", html.EscapeString(pf.File.RequiresPython))
		}
		if pf.File.Yanked {
			reason := pf.File.YankedReason
			attrs += fmt.Sprintf(" data-yanked=\"%s\"", html.EscapeString(reason))
		}
		b.WriteString(fmt.Sprintf("    <a %s>%s</a><br/>\n", attrs, html.EscapeString(pf.File.Filename)))
	}

	b.WriteString("  </body>\n</html>\n")
	return b.String()
}

// renderSimpleJSON renders the PEP 691 JSON simple-API document for a
// project from the same filtered, planned file set as the HTML page.
func renderSimpleJSON(metadata *bandersnatch.ProjectMetadata) (string, error) {
	doc := simpleJSONDoc{Name: metadata.Name}
	doc.Meta.APIVersion = "1.0"

	for _, pf := range PlanFileSet(metadata) {
		jf := simpleJSONFile{
			Filename:       pf.File.Filename,
			URL:            path.Join("..", "..", pf.CanonicalPath),
			Hashes:         map[string]string{"sha256": pf.File.SHA256},
			Size:           pf.File.Size,
			RequiresPython: pf.File.RequiresPython,
		}
		if pf.File.Yanked {
			if pf.File.YankedReason != "" {
				jf.Yanked = pf.File.YankedReason
			} else {
				jf.Yanked = true
			}
		}
		doc.Files = append(doc.Files, jf)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// publishIndexes writes the project's simple-index documents: classic
// HTML (for pip <20 and human browsing), versioned HTML, and versioned
// PEP 691 JSON. It rotates prior copies according to KeepIndexVersions.
func (p *Pipeline) publishIndexes(ctx context.Context, metadata *bandersnatch.ProjectMetadata) error {
	dir := bandersnatch.SimpleProjectDir(metadata.Name, p.Opts.HashIndex)

	html := renderSimpleHTML(metadata)
	jsonDoc, err := renderSimpleJSON(metadata)
	if err != nil {
		return fmt.Errorf("rendering simple json: %w", err)
	}

	if err := p.Backend.Write(ctx, path.Join(dir, "index.html"), strings.NewReader(html)); err != nil {
		return err
	}
	if err := p.Backend.Write(ctx, path.Join(dir, "index.v1_html"), strings.NewReader(html)); err != nil {
		return err
	}
	if err := p.Backend.Write(ctx, path.Join(dir, "index.v1_json"), strings.NewReader(jsonDoc)); err != nil {
		return err
	}

	if p.Opts.KeepIndexVersions > 0 {
		if err := p.rotateIndexVersions(ctx, dir, html, jsonDoc); err != nil {
			p.Logger.Warn("failed to rotate index versions", "project", metadata.Name, "error", err)
		}
	}
	return nil
}

// rotateIndexVersions keeps up to KeepIndexVersions timestamped copies of
// the index documents alongside the live ones, matching mirror.conf's
// keep_index_versions setting.
func (p *Pipeline) rotateIndexVersions(ctx context.Context, dir, html, jsonDoc string) error {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	archiveDir := path.Join(dir, "archive")
	if err := p.Backend.Write(ctx, path.Join(archiveDir, stamp+".index.html"), strings.NewReader(html)); err != nil {
		return err
	}
	if err := p.Backend.Write(ctx, path.Join(archiveDir, stamp+".index.v1_json"), strings.NewReader(jsonDoc)); err != nil {
		return err
	}

	entries, err := p.Backend.Scandir(ctx, archiveDir)
	if err != nil {
		return err
	}
	sort.Strings(entries)
	// Two files per generation (html + json); keep the newest N
	// generations and prune the rest.
	maxEntries := p.Opts.KeepIndexVersions * 2
	if len(entries) <= maxEntries {
		return nil
	}
	for _, stale := range entries[:len(entries)-maxEntries] {
		if err := p.Backend.Delete(ctx, path.Join(archiveDir, stale)); err != nil {
			return err
		}
	}
	return nil
}

// publishJSON writes the classic Warehouse JSON metadata blob to
// web/json/<project> and points web/pypi/<project>/json at it, matching
// the on-disk layout pip and legacy tooling expect.
func (p *Pipeline) publishJSON(ctx context.Context, project string, raw map[string]any) error {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding project json: %w", err)
	}

	jsonPath := path.Join("web", "json", project)
	if err := p.Backend.Write(ctx, jsonPath, bytes.NewReader(encoded)); err != nil {
		return err
	}

	pointer := path.Join("web", "pypi", project, "json")
	if err := p.Backend.Mkdir(ctx, path.Join("web", "pypi", project)); err != nil {
		return err
	}
	return p.Backend.Symlink(ctx, jsonPath, pointer)
}

// recordDiff appends (or overwrites) the per-run diff file with the paths
// touched by this sync, one per line, matching mirror.conf's diff-file
// behavior.
func (p *Pipeline) recordDiff(ctx context.Context, files []string) error {
	if !p.Opts.DiffAppendEnabled {
		return p.Backend.Write(ctx, p.Opts.DiffFile, strings.NewReader(joinLines(files)))
	}

	existing := ""
	if rc, err := p.Backend.Read(ctx, p.Opts.DiffFile); err == nil {
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		existing = string(b)
	}
	return p.Backend.Write(ctx, p.Opts.DiffFile, strings.NewReader(existing+joinLines(files)))
}

func joinLines(files []string) string {
	out := ""
	for _, f := range files {
		out += f + "\n"
	}
	return out
}

// ParseProjectMetadata converts the classic JSON /pypi/<project>/json
// response into the mirror's typed ProjectMetadata, since that endpoint
// (unlike the PEP 691 Simple API) already groups files by release version
// and carries upload-time/yanked flags at both levels.
func ParseProjectMetadata(project string, raw map[string]any) (*bandersnatch.ProjectMetadata, error) {
	info, _ := raw["info"].(map[string]any)
	name, _ := info["name"].(string)
	if name == "" {
		name = project
	}

	var lastSerial int64
	switch v := raw["last_serial"].(type) {
	case float64:
		lastSerial = int64(v)
	case string:
		lastSerial, _ = strconv.ParseInt(v, 10, 64)
	}

	releasesRaw, _ := raw["releases"].(map[string]any)
	releases := make(map[string]*bandersnatch.Release, len(releasesRaw))
	for version, filesRaw := range releasesRaw {
		filesList, _ := filesRaw.([]any)
		release := &bandersnatch.Release{Version: version}
		for _, fr := range filesList {
			fileMap, ok := fr.(map[string]any)
			if !ok {
				continue
			}
			file := parseReleaseFile(fileMap)
			if file.Yanked {
				release.Yanked = true
			}
			if release.UploadTime.IsZero() || file.UploadTime.Before(release.UploadTime) {
				release.UploadTime = file.UploadTime
			}
			release.Files = append(release.Files, file)
		}
		release.PreRelease = isLikelyPreRelease(version)
		releases[version] = release
	}

	return &bandersnatch.ProjectMetadata{
		Name:       bandersnatch.NormalizeProjectName(name),
		LastSerial: lastSerial,
		Releases:   releases,
		Raw:        raw,
	}, nil
}

func parseReleaseFile(m map[string]any) bandersnatch.ReleaseFile {
	f := bandersnatch.ReleaseFile{}
	f.Filename, _ = m["filename"].(string)
	f.URL, _ = m["url"].(string)
	f.PackageType, _ = m["packagetype"].(string)
	f.RequiresPython, _ = m["requires_python"].(string)
	f.PythonVersion, _ = m["python_version"].(string)
	if size, ok := m["size"].(float64); ok {
		f.Size = int64(size)
	}
	if digests, ok := m["digests"].(map[string]any); ok {
		f.SHA256, _ = digests["sha256"].(string)
		f.MD5, _ = digests["md5"].(string)
	}
	if yanked, ok := m["yanked"].(bool); ok {
		f.Yanked = yanked
	}
	f.YankedReason, _ = m["yanked_reason"].(string)
	if uploadTime, ok := m["upload_time_iso_8601"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, uploadTime); err == nil {
			f.UploadTime = t
		}
	}
	return f
}

// isLikelyPreRelease is a cheap, filter-independent guess used only to
// seed Release.PreRelease before the prerelease_release filter (if
// enabled) makes the authoritative call.
func isLikelyPreRelease(version string) bool {
	for _, marker := range []string{"a", "b", "rc", "dev"} {
		if containsDigitAfter(version, marker) {
			return true
		}
	}
	return false
}

func containsDigitAfter(s, marker string) bool {
	idx := indexOf(s, marker)
	if idx < 0 || idx+len(marker) >= len(s) {
		return false
	}
	c := s[idx+len(marker)]
	return c >= '0' && c <= '9'
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
