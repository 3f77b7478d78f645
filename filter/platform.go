package filter

import (
	"context"
	"log/slog"
	"strings"

	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func init() {
	registerReleaseFileFilter("exclude_platform", newExcludePlatform)
}

var pythonVersionTags = []string{
	"py2", "py2.4", "py2.5", "py2.6", "py2.7",
	"py3", "py3.0", "py3.1", "py3.2", "py3.3", "py3.4", "py3.5",
	"py3.6", "py3.7", "py3.8", "py3.9", "py3.10", "py3.11", "py3.12",
}

var windowsPlatformTags = []string{".win32", "-win32", "win_amd64", "win-amd64"}

var linuxPlatformTags = []string{
	"linux-i686", "linux-x86_64",
	"linux_armv7l", "linux_armv6l",
	"manylinux1_i686", "manylinux1_x86_64",
	"manylinux2010_i686", "manylinux2010_x86_64",
	"manylinux2014_x86_64", "manylinux2014_i686", "manylinux2014_aarch64",
	"manylinux2014_armv7l", "manylinux2014_ppc64", "manylinux2014_ppc64le", "manylinux2014_s390x",
}

// ExcludePlatform drops release files whose filename or packagetype matches
// an excluded platform tag from [blocklist] platforms. Grounded on
// filename_name.py::ExcludePlatformFilter.
type ExcludePlatform struct {
	patterns     []string
	packagetypes []string
}

func newExcludePlatform(cfg *ini.File) (ReleaseFileFilter, error) {
	raw := cfg.Section("blocklist").Key("platforms").String()
	if raw == "" {
		return &ExcludePlatform{}, nil
	}

	f := &ExcludePlatform{}
	for _, tag := range strings.Fields(raw) {
		lower := strings.ToLower(tag)
		switch {
		case lower == "windows" || lower == "win":
			f.patterns = append(f.patterns, windowsPlatformTags...)
			f.packagetypes = append(f.packagetypes, "bdist_msi", "bdist_wininst")
		case lower == "macos" || lower == "macosx":
			f.patterns = append(f.patterns, "macosx_", "macosx-")
			f.packagetypes = append(f.packagetypes, "bdist_dmg")
		case lower == "freebsd":
			f.patterns = append(f.patterns, ".freebsd", "-freebsd")
		case lower == "linux":
			f.patterns = append(f.patterns, linuxPlatformTags...)
			f.packagetypes = append(f.packagetypes, "bdist_rpm")
		case containsString(pythonVersionTags, lower):
			f.patterns = append(f.patterns, lower)
		case containsString(windowsPlatformTags, lower) || containsString(linuxPlatformTags, lower):
			f.patterns = append(f.patterns, lower)
		}
	}

	slog.Info("initialized filter", "name", "exclude_platform", "patterns", f.patterns)
	return f, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f *ExcludePlatform) Name() string { return "exclude_platform" }

func (f *ExcludePlatform) EvaluateFile(_ context.Context, _ *bandersnatch.ProjectMetadata, _ *bandersnatch.Release, file bandersnatch.ReleaseFile) (Decision, error) {
	// Source distributions are never filtered out by platform.
	if file.PackageType == "sdist" {
		return Keep, nil
	}
	for _, pt := range f.packagetypes {
		if file.PackageType == pt {
			return Drop, nil
		}
	}
	for _, pattern := range f.patterns {
		if strings.Contains(file.Filename, pattern) {
			return Drop, nil
		}
	}
	return Keep, nil
}
