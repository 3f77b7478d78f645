package filter

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerProjectFilter("blocklist_project", newBlocklistProject)
	registerReleaseFilter("blocklist_release", newBlocklistRelease)
}

// BlocklistProject drops any project named in [blocklist] packages (entries
// with no PEP 440 specifier only — a specified line is handled by
// BlocklistRelease instead). Grounded on blocklist_name.py::BlockListProject.
type BlocklistProject struct {
	names map[string]bool
}

func newBlocklistProject(cfg *ini.File) (ProjectFilter, error) {
	section := cfg.Section("blocklist")
	names := map[string]bool{}
	for _, line := range splitLines(section.Key("packages").String()) {
		if line == "" || line[0] == '#' {
			continue
		}
		req, err := parseRequirementLine(line)
		if err != nil || req.Specifier != "" {
			continue
		}
		names[req.Name] = true
	}
	slog.Info("initialized filter", "name", "blocklist_project", "count", len(names))
	return &BlocklistProject{names: names}, nil
}

func (f *BlocklistProject) Name() string { return "blocklist_project" }

func (f *BlocklistProject) EvaluateProject(_ context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	if f.names[bandersnatch.NormalizeProjectName(metadata.Name)] {
		return DropProject, nil
	}
	return Keep, nil
}

// BlocklistRelease drops releases whose version matches a blocklisted PEP
// 440 specifier for their project. Grounded on
// blocklist_name.py::BlockListRelease.
type BlocklistRelease struct {
	byProject map[string][]string
}

func newBlocklistRelease(cfg *ini.File) (ReleaseFilter, error) {
	section := cfg.Section("blocklist")
	byProject := map[string][]string{}
	for _, line := range splitLines(section.Key("packages").String()) {
		if line == "" || line[0] == '#' {
			continue
		}
		req, err := parseRequirementLine(line)
		if err != nil || req.Specifier == "" {
			continue
		}
		byProject[req.Name] = append(byProject[req.Name], req.Specifier)
	}
	slog.Info("initialized filter", "name", "blocklist_release", "count", len(byProject))
	return &BlocklistRelease{byProject: byProject}, nil
}

func (f *BlocklistRelease) Name() string { return "blocklist_release" }

func (f *BlocklistRelease) EvaluateReleases(_ context.Context, metadata *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	specs, ok := f.byProject[bandersnatch.NormalizeProjectName(metadata.Name)]
	if !ok || len(specs) == 0 {
		return releases, Keep, nil
	}

	kept := map[string]*bandersnatch.Release{}
	for version, release := range releases {
		v, err := parseVersion(version)
		if err != nil {
			kept[version] = release
			continue
		}
		blocked := false
		for _, spec := range specs {
			constraints, err := parseConstraints(spec)
			if err != nil {
				return nil, Drop, fmt.Errorf("blocklist_release: invalid specifier %q: %w", spec, err)
			}
			if constraints.Check(v) {
				blocked = true
				break
			}
		}
		if !blocked {
			kept[version] = release
		}
	}
	return kept, Keep, nil
}
