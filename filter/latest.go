package filter

import (
	"context"
	"log/slog"
	"sort"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerReleaseFilter("latest_release", newLatestRelease)
}

// LatestRelease keeps only the top `keep` versions by parsed PEP 440 order,
// default 3. Grounded on latest_name.py::LatestReleaseFilter.
type LatestRelease struct {
	keep int
}

func newLatestRelease(cfg *ini.File) (ReleaseFilter, error) {
	keep := cfg.Section("latest_release").Key("keep").MustInt(3)
	if keep < 1 {
		keep = 3
	}
	slog.Info("initialized filter", "name", "latest_release", "keep", keep)
	return &LatestRelease{keep: keep}, nil
}

func (f *LatestRelease) Name() string { return "latest_release" }

func (f *LatestRelease) EvaluateReleases(_ context.Context, metadata *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	if len(releases) <= f.keep {
		return releases, Keep, nil
	}

	type parsedVersion struct {
		version string
		parsed  pep440.Version
		ok      bool
	}
	versions := make([]parsedVersion, 0, len(releases))
	for version := range releases {
		v, err := parseVersion(version)
		versions = append(versions, parsedVersion{version: version, parsed: v, ok: err == nil})
	}

	sort.Slice(versions, func(i, j int) bool {
		a, b := versions[i], versions[j]
		if a.ok && b.ok {
			return a.parsed.LessThan(b.parsed)
		}
		// Unparseable versions sort lexicographically and before any
		// parseable one, matching the Python plugin's fallback behavior
		// when packaging.version.parse can't make sense of a version.
		if a.ok != b.ok {
			return !a.ok
		}
		return a.version < b.version
	})

	start := len(versions) - f.keep
	kept := make(map[string]*bandersnatch.Release, f.keep)
	for _, v := range versions[start:] {
		kept[v.version] = releases[v.version]
	}

	// A version already mirrored from a prior sync is never dropped purely
	// for falling outside the top-N window, so a project already on disk
	// never loses a release it currently serves just because newer
	// releases pushed it out of the window.
	for _, v := range versions[:start] {
		if metadata != nil && metadata.ExistingVersions[v.version] {
			kept[v.version] = releases[v.version]
		}
	}

	return kept, Keep, nil
}
