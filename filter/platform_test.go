package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func TestExcludePlatform_WindowsDropsWheelsButNotSdist(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("blocklist").NewKey("platforms", "windows")
	require.NoError(t, err)

	f, err := newExcludePlatform(cfg)
	require.NoError(t, err)

	d, err := f.EvaluateFile(context.Background(), &bandersnatch.ProjectMetadata{}, &bandersnatch.Release{}, bandersnatch.ReleaseFile{
		Filename: "demo-1.0.0-cp39-cp39-win_amd64.whl", PackageType: "bdist_wheel",
	})
	require.NoError(t, err)
	require.Equal(t, Drop, d)

	d, err = f.EvaluateFile(context.Background(), &bandersnatch.ProjectMetadata{}, &bandersnatch.Release{}, bandersnatch.ReleaseFile{
		Filename: "demo-1.0.0.tar.gz", PackageType: "sdist",
	})
	require.NoError(t, err)
	require.Equal(t, Keep, d)
}

func TestExcludePlatform_LinuxPackagetype(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("blocklist").NewKey("platforms", "linux")
	require.NoError(t, err)

	f, err := newExcludePlatform(cfg)
	require.NoError(t, err)

	d, err := f.EvaluateFile(context.Background(), &bandersnatch.ProjectMetadata{}, &bandersnatch.Release{}, bandersnatch.ReleaseFile{
		Filename: "demo-1.0.0.rpm", PackageType: "bdist_rpm",
	})
	require.NoError(t, err)
	require.Equal(t, Drop, d)
}

func TestExcludePlatform_NoConfigKeepsEverything(t *testing.T) {
	f, err := newExcludePlatform(ini.Empty())
	require.NoError(t, err)

	d, err := f.EvaluateFile(context.Background(), &bandersnatch.ProjectMetadata{}, &bandersnatch.Release{}, bandersnatch.ReleaseFile{
		Filename: "demo-1.0.0-win_amd64.whl", PackageType: "bdist_wheel",
	})
	require.NoError(t, err)
	require.Equal(t, Keep, d)
}
