package bandersnatch

import "time"

// ReleaseFile describes one concrete artifact (sdist or wheel) belonging to
// a release, as reported by either the Simple API or the classic JSON
// metadata endpoint.
type ReleaseFile struct {
	Filename       string
	URL            string
	PackageType    string
	RequiresPython string
	PythonVersion  string
	Size           int64
	SHA256         string
	MD5            string
	Yanked         bool
	YankedReason   string
	UploadTime     time.Time
}

// Release is a single version of a project and the files published under it.
type Release struct {
	Version    string
	UploadTime time.Time
	PreRelease bool
	Yanked     bool
	Files      []ReleaseFile
}

// ProjectMetadata is the decoded form of a project's classic JSON metadata
// (`/pypi/<project>/json`), typed for the fields the mirror consumes plus
// the raw decoded document for filters that need arbitrary JSON paths
// (regex-on-metadata, size caps).
type ProjectMetadata struct {
	Name       string
	LastSerial int64
	Releases   map[string]*Release
	Raw        map[string]any

	// ExistingVersions holds the release versions already present on disk
	// from a prior sync, populated by the pipeline before the filter chain
	// runs. The count-based latest-N release filter consults it so a
	// version already mirrored is never dropped purely for falling outside
	// its window; the version-range filter does not read it.
	ExistingVersions map[string]bool
}

// TotalSize sums the declared size of every release file across every
// release still present in Releases. Used by size-cap filters.
func (m *ProjectMetadata) TotalSize() int64 {
	var total int64
	for _, rel := range m.Releases {
		for _, f := range rel.Files {
			total += f.Size
		}
	}
	return total
}
