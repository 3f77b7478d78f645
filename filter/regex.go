package filter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerProjectFilter("regex_project", newRegexProject)
	registerReleaseFilter("regex_release", newRegexRelease)
}

func compilePatterns(raw string) ([]*regexp.Regexp, error) {
	var patterns []*regexp.Regexp
	for _, line := range splitLines(raw) {
		if line == "" {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", line, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// RegexProject drops projects whose normalized name doesn't match any
// configured pattern. Grounded on regex_name.py::RegexProjectFilter.
type RegexProject struct {
	patterns []*regexp.Regexp
}

func newRegexProject(cfg *ini.File) (ProjectFilter, error) {
	patterns, err := compilePatterns(cfg.Section("filter_regex").Key("packages").String())
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "regex_project", "patterns", len(patterns))
	return &RegexProject{patterns: patterns}, nil
}

func (f *RegexProject) Name() string { return "regex_project" }

func (f *RegexProject) EvaluateProject(_ context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	if len(f.patterns) == 0 {
		return Keep, nil
	}
	for _, p := range f.patterns {
		if p.MatchString(metadata.Name) {
			return Keep, nil
		}
	}
	return DropProject, nil
}

// RegexRelease drops releases whose version doesn't match any configured
// pattern. Grounded on regex_name.py::RegexReleaseFilter.
type RegexRelease struct {
	patterns []*regexp.Regexp
}

func newRegexRelease(cfg *ini.File) (ReleaseFilter, error) {
	patterns, err := compilePatterns(cfg.Section("filter_regex").Key("releases").String())
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "regex_release", "patterns", len(patterns))
	return &RegexRelease{patterns: patterns}, nil
}

func (f *RegexRelease) Name() string { return "regex_release" }

func (f *RegexRelease) EvaluateReleases(_ context.Context, _ *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	if len(f.patterns) == 0 {
		return releases, Keep, nil
	}
	kept := map[string]*bandersnatch.Release{}
	for version, release := range releases {
		for _, p := range f.patterns {
			if p.MatchString(version) {
				kept[version] = release
				break
			}
		}
	}
	return kept, Keep, nil
}
