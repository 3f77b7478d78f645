package bandersnatch

import (
	"path"
	"regexp"
	"strings"
)

// normalizeRunsRe collapses runs of -, _, . into a single hyphen, per PEP 503.
var normalizeRunsRe = regexp.MustCompile(`[-_.]+`)

// NormalizeProjectName returns the PEP 503 normalized form of a project name:
// lowercase, with runs of "-", "_", "." collapsed to a single "-".
func NormalizeProjectName(name string) string {
	return normalizeRunsRe.ReplaceAllString(strings.ToLower(name), "-")
}

// legacyRunsRe mirrors pkg_resources.safe_name: collapse runs of anything
// that isn't alphanumeric, ".", or "-" into a single "-". Unlike
// NormalizeProjectName, case is preserved; pip versions older than ~19.x
// resolve projects under this form rather than the PEP 503 form.
var legacyRunsRe = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// LegacyNormalizeProjectName returns the legacy (pkg_resources.safe_name)
// normalized form of a project name. The pipeline publishes simple pages
// under the PEP 503 form only; nothing in this module writes pages under
// the legacy form.
func LegacyNormalizeProjectName(name string) string {
	return legacyRunsRe.ReplaceAllString(name, "-")
}

// PackagePath returns the canonical content-addressed path for a release
// file given its sha256 digest and filename:
// packages/<b1b2>/<b3b4>/<rest-of-sha256>/<filename>
func PackagePath(h Hash, filename string) string {
	hex := h.String()
	return path.Join("packages", hex[0:2], hex[2:4], hex[4:], filename)
}

// SimpleProjectDir returns the directory under web/simple/ that holds a
// project's index documents, honoring the hash-index layout (which shards
// by the first letter of the normalized name to bound directory fan-out).
func SimpleProjectDir(normalizedName string, hashIndex bool) string {
	if hashIndex && len(normalizedName) > 0 {
		return path.Join("simple", normalizedName[0:1], normalizedName)
	}
	return path.Join("simple", normalizedName)
}
