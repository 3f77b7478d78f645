package filter

import (
	"context"
	"log/slog"
	"regexp"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerReleaseFilter("prerelease_release", newPrereleaseRelease)
}

// prereleasePatterns mirrors PreReleaseFilter.PRERELEASE_PATTERNS: a
// fallback for version strings too irregular for PEP 440 parsing.
var prereleasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`.+rc\d+$`),
	regexp.MustCompile(`.+a(lpha)?\d+$`),
	regexp.MustCompile(`.+b(eta)?\d+$`),
	regexp.MustCompile(`.+dev\d+$`),
}

// PrereleaseRelease drops versions that look like pre-releases, using both
// PEP 440-aware parsing (preferred, catches cases the regexes miss) and the
// Python plugin's original regex patterns as a fallback for versions that
// don't parse. Grounded on prerelease_name.py::PreReleaseFilter.
type PrereleaseRelease struct{}

func newPrereleaseRelease(_ *ini.File) (ReleaseFilter, error) {
	slog.Info("initialized filter", "name", "prerelease_release")
	return &PrereleaseRelease{}, nil
}

func (f *PrereleaseRelease) Name() string { return "prerelease_release" }

func (f *PrereleaseRelease) EvaluateReleases(_ context.Context, _ *bandersnatch.ProjectMetadata, releases map[string]*bandersnatch.Release) (map[string]*bandersnatch.Release, Decision, error) {
	kept := map[string]*bandersnatch.Release{}
	for version, release := range releases {
		if v, err := parseVersion(version); err == nil {
			if isPreRelease(v) {
				continue
			}
			kept[version] = release
			continue
		}
		matched := false
		for _, pattern := range prereleasePatterns {
			if pattern.MatchString(version) {
				matched = true
				break
			}
		}
		if !matched {
			kept[version] = release
		}
	}
	return kept, Keep, nil
}
