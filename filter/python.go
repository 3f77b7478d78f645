package filter

import (
	"context"
	"log/slog"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerReleaseFilter("requires_python_release", newRequiresPythonRelease)
	registerReleaseFilter("python_version_release", newPythonVersionRelease)
}

// RequiresPythonRelease drops releases whose requires_python marker doesn't
// intersect the configured [python] requires_python specifier. Grounded on
// python_name.py::RequiresPythonReleaseFilter.
type RequiresPythonRelease struct {
	constraints pep440.Specifiers
	enabled     bool
}

func newRequiresPythonRelease(cfg *ini.File) (ReleaseFilter, error) {
	raw := cfg.Section("python").Key("requires_python").String()
	if raw == "" {
		return &RequiresPythonRelease{}, nil
	}
	constraints, err := parseConstraints(raw)
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "requires_python_release", "specifier", raw)
	return &RequiresPythonRelease{constraints: constraints, enabled: true}, nil
}

func (f *RequiresPythonRelease) Name() string { return "requires_python_release" }

func (f *RequiresPythonRelease) EvaluateReleases(_ context.Context, _ *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	if !f.enabled {
		return releases, Keep, nil
	}
	kept := map[string]*bandersnatch.Release{}
	for version, release := range releases {
		if !releaseRequiresPythonCompatible(f.constraints, release) {
			continue
		}
		kept[version] = release
	}
	return kept, Keep, nil
}

// releaseRequiresPythonCompatible keeps a release if any of its files either
// declare no requires_python marker, or declare one whose specifier
// intersects the configured constraint. Empty releases are kept, matching
// the Python plugin's per-version (not per-file) granularity via the
// classic-JSON releases dict.
func releaseRequiresPythonCompatible(constraints pep440.Specifiers, release *bandersnatch.Release) bool {
	if len(release.Files) == 0 {
		return true
	}
	for _, f := range release.Files {
		if f.RequiresPython == "" {
			return true
		}
		other, err := parseConstraints(f.RequiresPython)
		if err != nil {
			continue
		}
		if constraintsIntersect(constraints, other) {
			return true
		}
	}
	return false
}

// constraintsIntersect approximates packaging.specifiers.SpecifierSet.__and__
// by probing whether any of a small set of representative Python versions
// satisfies both constraint sets, since go-pep440-version has no direct
// specifier-intersection API.
func constraintsIntersect(a, b pep440.Specifiers) bool {
	probes := []string{
		"2.7.18", "3.6.15", "3.7.17", "3.8.20", "3.9.20",
		"3.10.15", "3.11.10", "3.12.7", "3.13.0",
	}
	for _, p := range probes {
		v, err := parseVersion(p)
		if err != nil {
			continue
		}
		if a.Check(v) && b.Check(v) {
			return true
		}
	}
	return false
}

// PythonVersionRelease drops releases whose python_version marker (the
// legacy per-file "py2"/"py3"/"cp39" tag, distinct from requires_python)
// doesn't satisfy [python] python_version. Grounded on
// python_name.py::PythonVersionReleaseFilter.
type PythonVersionRelease struct {
	constraints pep440.Specifiers
	enabled     bool
}

func newPythonVersionRelease(cfg *ini.File) (ReleaseFilter, error) {
	raw := cfg.Section("python").Key("python_version").String()
	if raw == "" {
		return &PythonVersionRelease{}, nil
	}
	constraints, err := parseConstraints(raw)
	if err != nil {
		return nil, err
	}
	slog.Info("initialized filter", "name", "python_version_release", "specifier", raw)
	return &PythonVersionRelease{constraints: constraints, enabled: true}, nil
}

func (f *PythonVersionRelease) Name() string { return "python_version_release" }

func (f *PythonVersionRelease) EvaluateReleases(_ context.Context, _ *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	if !f.enabled {
		return releases, Keep, nil
	}
	kept := map[string]*bandersnatch.Release{}
	for version, release := range releases {
		if len(release.Files) == 0 {
			kept[version] = release
			continue
		}
		anyMatch := false
		for _, file := range release.Files {
			if file.PythonVersion == "" || file.PythonVersion == "source" {
				anyMatch = true
				break
			}
			v, err := parseVersion(file.PythonVersion)
			if err != nil {
				// Not a PEP 440-parseable tag (e.g. "py3", "cp39"); the
				// Python plugin's own SpecifierSet.contains call would
				// raise here too, so treat it permissively and keep.
				anyMatch = true
				continue
			}
			if f.constraints.Check(v) {
				anyMatch = true
				break
			}
		}
		if anyMatch {
			kept[version] = release
		}
	}
	return kept, Keep, nil
}
