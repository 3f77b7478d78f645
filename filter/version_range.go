package filter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/ini.v1"

	pep440 "github.com/aquasecurity/go-pep440-version"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerProjectFilter("version_range_project_metadata", newVersionRangeProjectMetadata)
	registerReleaseFileFilter("version_range_release_file_metadata", newVersionRangeReleaseFileMetadata)
}

// versionRangeRule is one `key -> target versions` entry from a
// [version_range_*_metadata] section: a node is kept only if the PEP 440
// specifier found at its dotted path admits at least one of the configured
// target versions. Grounded on metadata_filter.py::VersionRangeFilter,
// reusing metadata_regex.go's dotted-path/tag parsing (same "not-null"/
// "match-null" tag vocabulary; VersionRangeFilter never had an "all"/"any"/
// "none" mode of its own, so only null-handling tags apply here).
type versionRangeRule struct {
	path      string
	targets   []pep440.Version
	nullMatch bool
}

// parseVersionRangeRules decodes a [version_range_*_metadata] section the
// way metadata_filter.py::VersionRangeFilter.initialize_plugin does: each
// key's value is one PEP 440 version per line, parsed up front so filtering
// never re-parses a target version per candidate.
func parseVersionRangeRules(section *ini.Section) ([]versionRangeRule, error) {
	var out []versionRangeRule
	for _, key := range section.Keys() {
		parts := strings.Split(key.Name(), ":")
		path := parts[len(parts)-1]
		tags := parts[:len(parts)-1]

		rule := versionRangeRule{path: path, nullMatch: true}
		for _, tag := range tags {
			switch tag {
			case "not-null":
				rule.nullMatch = false
			case "match-null":
				rule.nullMatch = true
			}
		}

		for _, line := range strings.Split(key.String(), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			v, err := parseVersion(line)
			if err != nil {
				return nil, fmt.Errorf("version_range rule %q: parsing target version %q: %w", key.Name(), line, err)
			}
			rule.targets = append(rule.targets, v)
		}
		out = append(out, rule)
	}
	return out, nil
}

// evaluateVersionRangeRules mirrors VersionRangeFilter.filter: every rule
// must match for the node to be kept. A rule matches when the specifier
// string found at its dotted path admits any of the rule's target
// versions, or when the path is missing/null and the rule's null-handling
// tag says that counts as a match.
func evaluateVersionRangeRules(rules []versionRangeRule, metadata map[string]any) bool {
	for _, rule := range rules {
		values := findByDottedPath(rule.path, metadata)
		if len(values) == 0 {
			if !rule.nullMatch {
				return false
			}
			continue
		}

		matched := false
		for _, value := range values {
			constraints, err := parseConstraints(value)
			if err != nil {
				continue
			}
			for _, target := range rule.targets {
				if constraints.Check(target) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// VersionRangeProjectMetadata drops projects whose JSON metadata doesn't
// admit every configured target version at its configured dotted paths.
// Grounded on metadata_filter.py::VersionRangeProjectMetadataFilter.
type VersionRangeProjectMetadata struct {
	rules []versionRangeRule
}

func newVersionRangeProjectMetadata(cfg *ini.File) (ProjectFilter, error) {
	rules, err := parseVersionRangeRules(cfg.Section("version_range_project_metadata"))
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "version_range_project_metadata", "keys", len(rules))
	return &VersionRangeProjectMetadata{rules: rules}, nil
}

func (f *VersionRangeProjectMetadata) Name() string { return "version_range_project_metadata" }

func (f *VersionRangeProjectMetadata) EvaluateProject(_ context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	if len(f.rules) == 0 {
		return Keep, nil
	}
	if evaluateVersionRangeRules(f.rules, metadata.Raw) {
		return Keep, nil
	}
	return DropProject, nil
}

// VersionRangeReleaseFileMetadata drops individual release files whose
// metadata doesn't admit every configured target version at its configured
// dotted paths (typically `release_file.requires_python`). Grounded on
// metadata_filter.py::VersionRangeReleaseFileMetadataFilter.
type VersionRangeReleaseFileMetadata struct {
	rules []versionRangeRule
}

func newVersionRangeReleaseFileMetadata(cfg *ini.File) (ReleaseFileFilter, error) {
	rules, err := parseVersionRangeRules(cfg.Section("version_range_release_file_metadata"))
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "version_range_release_file_metadata", "keys", len(rules))
	return &VersionRangeReleaseFileMetadata{rules: rules}, nil
}

func (f *VersionRangeReleaseFileMetadata) Name() string {
	return "version_range_release_file_metadata"
}

func (f *VersionRangeReleaseFileMetadata) EvaluateFile(_ context.Context, metadata *bandersnatch.ProjectMetadata, _ *bandersnatch.Release, file bandersnatch.ReleaseFile) (Decision, error) {
	if len(f.rules) == 0 {
		return Keep, nil
	}

	node := map[string]any{
		"release_file": map[string]any{
			"filename":        file.Filename,
			"packagetype":     file.PackageType,
			"requires_python": file.RequiresPython,
			"size":            file.Size,
			"url":             file.URL,
			"yanked":          file.Yanked,
		},
	}
	if info, ok := metadata.Raw["info"]; ok {
		node["info"] = info
	}

	if evaluateVersionRangeRules(f.rules, node) {
		return Keep, nil
	}
	return Drop, nil
}
