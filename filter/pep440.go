package filter

import (
	pep440 "github.com/aquasecurity/go-pep440-version"
)

// parseVersion parses a PEP 440 version string, mirroring
// packaging.version.Version in the Python plugins this package is grounded
// on. Invalid versions are reported to the caller rather than panicking, the
// same way the Python filters log and skip on InvalidVersion.
func parseVersion(v string) (pep440.Version, error) {
	return pep440.Parse(v)
}

// parseConstraints parses a PEP 440 specifier set, mirroring
// packaging.specifiers.SpecifierSet.
func parseConstraints(spec string) (pep440.Specifiers, error) {
	return pep440.NewSpecifiers(spec)
}

// isPreRelease reports whether a parsed version carries a pre-release or
// dev-release segment, the Go equivalent of the Python plugins' reliance on
// packaging.version.Version.is_prerelease.
func isPreRelease(v pep440.Version) bool {
	return v.IsPreRelease()
}
