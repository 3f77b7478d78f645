package filter

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerProjectFilter("regex_project_metadata", newRegexProjectMetadata)
	registerReleaseFileFilter("regex_release_file_metadata", newRegexReleaseFileMetadata)
}

// matchMode is the "all|any|none" qualifier prefixed to a dotted-path key.
type matchMode int

const (
	matchAny matchMode = iota
	matchAll
	matchNone
)

// metadataPattern is one `key -> patterns` entry from the config section,
// with its tag qualifiers already parsed out of the key.
type metadataPattern struct {
	path      string
	patterns  []*regexp.Regexp
	mode      matchMode
	nullMatch bool
}

// parseMetadataPatterns decodes a [regex_*_metadata] section the way
// metadata_filter.py::RegexFilter.initialize_plugin does: each key may be
// prefixed with colon-separated tags (all/any/none, match-null/not-null)
// before the dotted path, and its value is one regex per line.
func parseMetadataPatterns(section *ini.Section) ([]metadataPattern, error) {
	var out []metadataPattern
	for _, key := range section.Keys() {
		parts := strings.Split(key.Name(), ":")
		path := parts[len(parts)-1]
		tags := parts[:len(parts)-1]

		mp := metadataPattern{path: path, mode: matchAny, nullMatch: true}
		for _, tag := range tags {
			switch tag {
			case "not-null":
				mp.nullMatch = false
			case "match-null":
				mp.nullMatch = true
			case "all":
				mp.mode = matchAll
			case "any":
				mp.mode = matchAny
			case "none":
				mp.mode = matchNone
			}
		}

		patterns, err := compilePatterns(key.String())
		if err != nil {
			return nil, err
		}
		mp.patterns = patterns
		out = append(out, mp)
	}
	return out, nil
}

// findByDottedPath walks metadata following a dot-separated path, returning
// the list of string values found at that path (a single scalar is wrapped
// in a one-element slice; a list value is returned as-is; a missing or nil
// node returns an empty slice). Mirrors
// metadata_filter.py::RegexFilter._find_element_by_dotted_path.
func findByDottedPath(path string, metadata map[string]any) []string {
	var node any = metadata
	for _, segment := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[segment]
		if !ok || v == nil {
			return nil
		}
		node = v
	}

	switch v := node.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

func matchesPattern(mp metadataPattern, values []string) bool {
	switch mp.mode {
	case matchAll:
		for _, pattern := range mp.patterns {
			if len(values) == 0 {
				if !mp.nullMatch {
					return false
				}
				continue
			}
			found := false
			for _, v := range values {
				if pattern.MatchString(v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case matchNone:
		return !matchesAny(mp, values)
	default: // matchAny
		return matchesAny(mp, values)
	}
}

func matchesAny(mp metadataPattern, values []string) bool {
	for _, pattern := range mp.patterns {
		if len(values) == 0 {
			if mp.nullMatch {
				return true
			}
			continue
		}
		for _, v := range values {
			if pattern.MatchString(v) {
				return true
			}
		}
	}
	return false
}

func evaluateMetadataPatterns(patterns []metadataPattern, metadata map[string]any) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, mp := range patterns {
		values := findByDottedPath(mp.path, metadata)
		if !matchesPattern(mp, values) {
			return false
		}
	}
	return true
}

// RegexProjectMetadata drops projects whose JSON metadata doesn't satisfy
// every configured dotted-path pattern. Grounded on
// metadata_filter.py::RegexProjectMetadataFilter.
type RegexProjectMetadata struct {
	patterns []metadataPattern
}

func newRegexProjectMetadata(cfg *ini.File) (ProjectFilter, error) {
	patterns, err := parseMetadataPatterns(cfg.Section("regex_project_metadata"))
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "regex_project_metadata", "keys", len(patterns))
	return &RegexProjectMetadata{patterns: patterns}, nil
}

func (f *RegexProjectMetadata) Name() string { return "regex_project_metadata" }

func (f *RegexProjectMetadata) EvaluateProject(_ context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	if evaluateMetadataPatterns(f.patterns, metadata.Raw) {
		return Keep, nil
	}
	return DropProject, nil
}

// RegexReleaseFileMetadata drops individual release files whose metadata
// doesn't satisfy every configured dotted-path pattern. Grounded on
// metadata_filter.py::RegexReleaseFileMetadataFilter.
type RegexReleaseFileMetadata struct {
	patterns []metadataPattern
}

func newRegexReleaseFileMetadata(cfg *ini.File) (ReleaseFileFilter, error) {
	patterns, err := parseMetadataPatterns(cfg.Section("regex_release_file_metadata"))
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "regex_release_file_metadata", "keys", len(patterns))
	return &RegexReleaseFileMetadata{patterns: patterns}, nil
}

func (f *RegexReleaseFileMetadata) Name() string { return "regex_release_file_metadata" }

func (f *RegexReleaseFileMetadata) EvaluateFile(_ context.Context, metadata *bandersnatch.ProjectMetadata, _ *bandersnatch.Release, file bandersnatch.ReleaseFile) (Decision, error) {
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
	if evaluateMetadataPatterns(f.patterns, node) {
		return Keep, nil
	}
	return Drop, nil
}
