package filter

import (
	"context"
	"log/slog"

	units "github.com/docker/go-units"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerProjectFilter("size_project_metadata", newSizeProjectMetadata)
}

// SizeProjectMetadata drops projects whose combined release-file size
// exceeds max_package_size, unless the project is named in an allowlist
// (allow OR ≤cap, per spec.md §4.3). Grounded on
// metadata_filter.py::SizeProjectMetadataFilter, human-size parsing via
// docker/go-units in place of Python's humanfriendly.parse_size.
type SizeProjectMetadata struct {
	maxBytes  int64
	allowlist map[string]bool
}

func newSizeProjectMetadata(cfg *ini.File) (ProjectFilter, error) {
	raw := cfg.Section("size_project_metadata").Key("max_package_size").String()
	if raw == "" {
		slog.Warn("size_project_metadata: max_package_size not set, filter disabled")
		return &SizeProjectMetadata{}, nil
	}
	size, err := units.RAMInBytes(raw)
	if err != nil {
		slog.Warn("size_project_metadata: invalid max_package_size, filter disabled", "value", raw, "error", err)
		return &SizeProjectMetadata{}, nil
	}

	allowlist := map[string]bool{}
	if reqs, err := parsePackageLines(cfg.Section("allowlist").Key("packages").String()); err == nil {
		for _, r := range reqs {
			if r.Specifier == "" {
				allowlist[r.Name] = true
			}
		}
	}

	slog.Info("initialized filter", "name", "size_project_metadata", "max_bytes", size, "allowlist", len(allowlist))
	return &SizeProjectMetadata{maxBytes: size, allowlist: allowlist}, nil
}

func (f *SizeProjectMetadata) Name() string { return "size_project_metadata" }

func (f *SizeProjectMetadata) EvaluateProject(_ context.Context, metadata *bandersnatch.ProjectMetadata) (Decision, error) {
	if f.maxBytes <= 0 {
		return Keep, nil
	}
	if len(f.allowlist) > 0 && f.allowlist[bandersnatch.NormalizeProjectName(metadata.Name)] {
		return Keep, nil
	}
	if metadata.TotalSize() <= f.maxBytes {
		return Keep, nil
	}
	return DropProject, nil
}
