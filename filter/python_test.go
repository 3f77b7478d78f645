package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func TestRequiresPythonRelease_KeepsCompatibleReleases(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("python").NewKey("requires_python", ">=3.8")
	require.NoError(t, err)

	f, err := newRequiresPythonRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{
		"1.0.0": {Version: "1.0.0", Files: []bandersnatch.ReleaseFile{{RequiresPython: ">=3.8"}}},
		"0.9.0": {Version: "0.9.0", Files: []bandersnatch.ReleaseFile{{RequiresPython: "<3.0"}}},
		"1.1.0": {Version: "1.1.0", Files: []bandersnatch.ReleaseFile{{RequiresPython: ""}}},
	}
	kept, decision, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{}, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	_, ok := kept["1.0.0"]
	require.True(t, ok)
	_, ok = kept["1.1.0"]
	require.True(t, ok, "releases without a requires_python marker are always kept")
	_, ok = kept["0.9.0"]
	require.False(t, ok, "non-intersecting specifier should be dropped")
}

func TestRequiresPythonRelease_NoConfigDisablesFilter(t *testing.T) {
	f, err := newRequiresPythonRelease(ini.Empty())
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{"1.0.0": {Version: "1.0.0"}}
	kept, decision, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{}, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, kept, 1)
}

func TestPythonVersionRelease_KeepsSourceAndCompatible(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("python").NewKey("python_version", ">=3.0")
	require.NoError(t, err)

	f, err := newPythonVersionRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{
		"1.0.0": {Version: "1.0.0", Files: []bandersnatch.ReleaseFile{{PackageType: "sdist", PythonVersion: "source"}}},
	}
	kept, decision, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{}, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, kept, 1)
}
