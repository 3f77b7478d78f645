package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func buildMetadataWithSize(name string, totalBytes int64) *bandersnatch.ProjectMetadata {
	return &bandersnatch.ProjectMetadata{
		Name: name,
		Releases: map[string]*bandersnatch.Release{
			"1.0.0": {Version: "1.0.0", Files: []bandersnatch.ReleaseFile{{Size: totalBytes}}},
		},
	}
}

func TestSizeProjectMetadata_DropsOversized(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("size_project_metadata").NewKey("max_package_size", "1K")
	require.NoError(t, err)

	f, err := newSizeProjectMetadata(cfg)
	require.NoError(t, err)

	d, err := f.EvaluateProject(context.Background(), buildMetadataWithSize("big", 2000))
	require.NoError(t, err)
	require.Equal(t, DropProject, d)

	d, err = f.EvaluateProject(context.Background(), buildMetadataWithSize("small", 100))
	require.NoError(t, err)
	require.Equal(t, Keep, d)
}

func TestSizeProjectMetadata_AllowlistOverridesCap(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("size_project_metadata").NewKey("max_package_size", "1K")
	require.NoError(t, err)
	_, err = cfg.Section("allowlist").NewKey("packages", "big-exempt")
	require.NoError(t, err)

	f, err := newSizeProjectMetadata(cfg)
	require.NoError(t, err)

	d, err := f.EvaluateProject(context.Background(), buildMetadataWithSize("big-exempt", 999999))
	require.NoError(t, err)
	require.Equal(t, Keep, d)
}

func TestSizeProjectMetadata_NoConfigDisablesFilter(t *testing.T) {
	f, err := newSizeProjectMetadata(ini.Empty())
	require.NoError(t, err)

	d, err := f.EvaluateProject(context.Background(), buildMetadataWithSize("anything", 999999999))
	require.NoError(t, err)
	require.Equal(t, Keep, d)
}
