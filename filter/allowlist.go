package filter

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerProjectFilter("allowlist_project", newAllowlistProject)
	registerProjectFilter("project_requirements", newProjectRequirements)
	registerReleaseFilter("allowlist_release", newAllowlistRelease)
	registerReleaseFilter("project_requirements_pinned", newProjectRequirementsPinned)
}

// AllowlistProject keeps only projects named in [allowlist] packages.
// Grounded on allowlist_name.py::AllowListProject.
type AllowlistProject struct {
	names map[string]bool
}

func newAllowlistProject(cfg *ini.File) (ProjectFilter, error) {
	section := cfg.Section("allowlist")
	reqs, err := parsePackageLines(section.Key("packages").String())
	if err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, r := range reqs {
		names[r.Name] = true
	}
	slog.Info("initialized filter", "name", "allowlist_project", "count", len(names))
	return &AllowlistProject{names: names}, nil
}

func (f *AllowlistProject) Name() string { return "allowlist_project" }

func (f *AllowlistProject) EvaluateProject(_ context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	if len(f.names) == 0 {
		return Keep, nil
	}
	name := bandersnatch.NormalizeProjectName(metadata.Name)
	if f.names[name] {
		return Keep, nil
	}
	return DropProject, nil
}

// ProjectRequirements is AllowlistProject sourced from requirements.txt-style
// files instead of an inline packages list. Grounded on
// allowlist_name.py::AllowListRequirements.
type ProjectRequirements struct {
	AllowlistProject
}

func newProjectRequirements(cfg *ini.File) (ProjectFilter, error) {
	section := cfg.Section("allowlist")
	reqs, err := loadRequirementsFiles(section.Key("requirements_path").String(), section.Key("requirements").String())
	if err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, r := range reqs {
		names[r.Name] = true
	}
	slog.Info("initialized filter", "name", "project_requirements", "count", len(names))
	return &ProjectRequirements{AllowlistProject{names: names}}, nil
}

func (f *ProjectRequirements) Name() string { return "project_requirements" }

// AllowlistRelease keeps only releases whose version matches a PEP 440
// specifier for their project, from [allowlist] packages lines that carry a
// specifier. Grounded on allowlist_name.py::AllowListRelease.
type AllowlistRelease struct {
	byProject map[string][]string // normalized project name -> specifier strings
}

func newAllowlistRelease(cfg *ini.File) (ReleaseFilter, error) {
	section := cfg.Section("allowlist")
	reqs, err := parsePackageLines(section.Key("packages").String())
	if err != nil {
		return nil, err
	}
	byProject := map[string][]string{}
	for _, r := range reqs {
		if r.Specifier == "" {
			continue
		}
		byProject[r.Name] = append(byProject[r.Name], r.Specifier)
	}
	slog.Info("initialized filter", "name", "allowlist_release", "count", len(byProject))
	return &AllowlistRelease{byProject: byProject}, nil
}

func (f *AllowlistRelease) Name() string { return "allowlist_release" }

func (f *AllowlistRelease) EvaluateReleases(_ context.Context, metadata *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	specs, ok := f.byProject[bandersnatch.NormalizeProjectName(metadata.Name)]
	if !ok || len(specs) == 0 {
		return releases, Keep, nil
	}

	kept := map[string]*bandersnatch.Release{}
	for version, release := range releases {
		v, err := parseVersion(version)
		if err != nil {
			continue
		}
		for _, spec := range specs {
			constraints, err := parseConstraints(spec)
			if err != nil {
				return nil, Drop, fmt.Errorf("allowlist_release: invalid specifier %q: %w", spec, err)
			}
			if constraints.Check(v) {
				kept[version] = release
				break
			}
		}
	}
	return kept, Keep, nil
}

// ProjectRequirementsPinned is AllowlistRelease sourced from
// requirements.txt-style files. A pinned version range in the requirements
// file short-circuits every other release filter for that project, per
// spec.md §4.3. Grounded on allowlist_name.py::AllowListRequirementsPinned.
type ProjectRequirementsPinned struct {
	AllowlistRelease
	pinnedProjects map[string]bool
}

func newProjectRequirementsPinned(cfg *ini.File) (ReleaseFilter, error) {
	section := cfg.Section("allowlist")
	reqs, err := loadRequirementsFiles(section.Key("requirements_path").String(), section.Key("requirements").String())
	if err != nil {
		return nil, err
	}
	byProject := map[string][]string{}
	pinned := map[string]bool{}
	for _, r := range reqs {
		if r.Specifier == "" {
			continue
		}
		byProject[r.Name] = append(byProject[r.Name], r.Specifier)
		pinned[r.Name] = true
	}
	slog.Info("initialized filter", "name", "project_requirements_pinned", "count", len(byProject))
	return &ProjectRequirementsPinned{AllowlistRelease: AllowlistRelease{byProject: byProject}, pinnedProjects: pinned}, nil
}

func (f *ProjectRequirementsPinned) Name() string { return "project_requirements_pinned" }

// IsPinned reports whether this project has a pinned requirement, letting
// the chain's caller skip remaining release filters for it per spec.
func (f *ProjectRequirementsPinned) IsPinned(project string) bool {
	return f.pinnedProjects[bandersnatch.NormalizeProjectName(project)]
}
