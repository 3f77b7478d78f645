// Package filter implements the three-category filter chain that narrows
// which projects, releases, and release files the mirror keeps: project
// filters (allow/deny/regex/size), release filters (pre-release, latest-N,
// allow/deny, regex), and release-file filters (platform exclusion, metadata
// regex). Each filter is registered at compile time via an init() call in
// its own file rather than discovered through a plugin registry, so enabling
// one is a config-driven no-op at build time.
package filter

import (
	"context"
	"fmt"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

// Decision is the outcome of evaluating a single filter.
type Decision int

const (
	// Keep means the filter raised no objection.
	Keep Decision = iota
	// Drop means the filter rejected this release or release file; sibling
	// filters in the same category still run.
	Drop
	// DropProject means the entire project should be dropped; this
	// short-circuits every remaining filter in every category.
	DropProject
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Drop:
		return "drop"
	case DropProject:
		return "drop_project"
	default:
		return "unknown"
	}
}

// ProjectFilter decides whether a project should be mirrored at all.
type ProjectFilter interface {
	Name() string
	EvaluateProject(ctx context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error)
}

// ReleaseFilter prunes the set of releases a project will mirror. It
// receives and returns the releases map since filters like latest-N and
// pinned-requirements need to look at the whole set to decide what survives.
type ReleaseFilter interface {
	Name() string
	EvaluateReleases(ctx context.Context, metadata *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error)
}

// ReleaseFileFilter decides whether a single release file should be kept.
type ReleaseFileFilter interface {
	Name() string
	EvaluateFile(ctx context.Context, metadata *bandersnatch.ProjectMetadata, release *bandersnatch.Release, file bandersnatch.ReleaseFile) (Decision, error)
}

// projectFactory builds a ProjectFilter from the mirror configuration file.
type projectFactory func(cfg *ini.File) (ProjectFilter, error)

// releaseFactory builds a ReleaseFilter from the mirror configuration file.
type releaseFactory func(cfg *ini.File) (ReleaseFilter, error)

// releaseFileFactory builds a ReleaseFileFilter from the mirror configuration file.
type releaseFileFactory func(cfg *ini.File) (ReleaseFileFilter, error)

var (
	projectRegistry     = map[string]projectFactory{}
	releaseRegistry     = map[string]releaseFactory{}
	releaseFileRegistry = map[string]releaseFileFactory{}
)

func registerProjectFilter(name string, f projectFactory) {
	projectRegistry[name] = f
}

func registerReleaseFilter(name string, f releaseFactory) {
	releaseRegistry[name] = f
}

func registerReleaseFileFilter(name string, f releaseFileFactory) {
	releaseFileRegistry[name] = f
}

// Chain is the ordered, fully-built set of filters for a single mirror
// configuration: project filters run first, then release filters, then
// release-file filters, matching spec order. Within a category filters run
// in the fixed order of projectFilterOrder, releaseFilterOrder and
// releaseFileFilterOrder; the order of names in [plugins] enabled does not
// change it.
type Chain struct {
	Project     []ProjectFilter
	Release     []ReleaseFilter
	ReleaseFile []ReleaseFileFilter
}

// Build constructs a Chain from the `[plugins] enabled` list in cfg. The
// list may contain "all", in which case every registered filter is built
// (in registry iteration order defined by the fixed name lists below), or a
// newline-separated subset of filter names.
func Build(cfg *ini.File) (*Chain, error) {
	section := cfg.Section("plugins")
	raw := section.Key("enabled").String()
	enabled, all := parseEnabled(raw)

	chain := &Chain{}

	for _, name := range projectFilterOrder {
		if !all && !enabled[name] {
			continue
		}
		factory, ok := projectRegistry[name]
		if !ok {
			continue
		}
		f, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("filter: building project filter %q: %w", name, err)
		}
		chain.Project = append(chain.Project, f)
	}

	for _, name := range releaseFilterOrder {
		if !all && !enabled[name] {
			continue
		}
		factory, ok := releaseRegistry[name]
		if !ok {
			continue
		}
		f, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("filter: building release filter %q: %w", name, err)
		}
		chain.Release = append(chain.Release, f)
	}

	for _, name := range releaseFileFilterOrder {
		if !all && !enabled[name] {
			continue
		}
		factory, ok := releaseFileRegistry[name]
		if !ok {
			continue
		}
		f, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("filter: building release-file filter %q: %w", name, err)
		}
		chain.ReleaseFile = append(chain.ReleaseFile, f)
	}

	return chain, nil
}

// Fixed, deterministic registration order within each category. New filters
// must be appended here alongside their init() registration.
var (
	projectFilterOrder = []string{
		"allowlist_project",
		"project_requirements",
		"blocklist_project",
		"regex_project",
		"regex_project_metadata",
		"size_project_metadata",
		"version_range_project_metadata",
	}
	releaseFilterOrder = []string{
		"project_requirements_pinned",
		"allowlist_release",
		"blocklist_release",
		"prerelease_release",
		"latest_release",
		"regex_release",
		"requires_python_release",
		"python_version_release",
	}
	releaseFileFilterOrder = []string{
		"exclude_platform",
		"regex_release_file_metadata",
		"version_range_release_file_metadata",
	}
)

func parseEnabled(raw string) (map[string]bool, bool) {
	enabled := map[string]bool{}
	for _, line := range splitLines(raw) {
		if line == "" {
			continue
		}
		if line == "all" {
			return enabled, true
		}
		enabled[line] = true
	}
	return enabled, false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			field := trimSpace(s[start:i])
			out = append(out, field)
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r'
}

// Evaluate runs the full chain against a project's metadata, pruning
// releases and release files in place and returning the final decision for
// the project as a whole.
func (c *Chain) Evaluate(ctx context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	for _, f := range c.Project {
		d, err := f.EvaluateProject(ctx, metadata)
		if err != nil {
			return Drop, fmt.Errorf("filter: project filter %q: %w", f.Name(), err)
		}
		if d == DropProject {
			return DropProject, nil
		}
	}

	releases := metadata.Releases
	for _, f := range c.Release {
		next, d, err := f.EvaluateReleases(ctx, metadata, releases)
		if err != nil {
			return Drop, fmt.Errorf("filter: release filter %q: %w", f.Name(), err)
		}
		if d == DropProject {
			return DropProject, nil
		}
		releases = next

		// A pinned requirements-file entry fully determines the kept
		// version set for its project; running further release filters
		// would only re-narrow what the pin already decided.
		if pinned, ok := f.(*ProjectRequirementsPinned); ok && pinned.IsPinned(metadata.Name) {
			break
		}
	}
	metadata.Releases = releases

	for version, release := range releases {
		var kept []bandersnatch.ReleaseFile
		for _, file := range release.Files {
			decision := Keep
			for _, f := range c.ReleaseFile {
				d, err := f.EvaluateFile(ctx, metadata, release, file)
				if err != nil {
					return Drop, fmt.Errorf("filter: release-file filter %q: %w", f.Name(), err)
				}
				if d == DropProject {
					return DropProject, nil
				}
				if d == Drop {
					decision = Drop
					break
				}
			}
			if decision == Keep {
				kept = append(kept, file)
			}
		}
		release.Files = kept
		releases[version] = release
	}

	// An empty release set after filtering is still a valid project: it
	// publishes an empty index rather than being dropped outright.
	return Keep, nil
}
