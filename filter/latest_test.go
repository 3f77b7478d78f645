package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func TestLatestRelease_KeepsTopN(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("latest_release").NewKey("keep", "2")
	require.NoError(t, err)

	f, err := newLatestRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{
		"1.0.0": {Version: "1.0.0"},
		"1.1.0": {Version: "1.1.0"},
		"1.2.0": {Version: "1.2.0"},
		"2.0.0": {Version: "2.0.0"},
	}
	kept, decision, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{}, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, kept, 2)
	_, ok1 := kept["1.2.0"]
	_, ok2 := kept["2.0.0"]
	require.True(t, ok1)
	require.True(t, ok2)
}

func TestLatestRelease_DefaultKeepIsThree(t *testing.T) {
	f, err := newLatestRelease(ini.Empty())
	require.NoError(t, err)
	require.Equal(t, 3, f.(*LatestRelease).keep)
}

func TestLatestRelease_FewerThanKeepReturnsAll(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("latest_release").NewKey("keep", "5")
	require.NoError(t, err)
	f, err := newLatestRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{"1.0.0": {Version: "1.0.0"}}
	kept, _, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{}, releases)
	require.NoError(t, err)
	require.Len(t, kept, 1)
}

func TestLatestRelease_KeepsAlreadyMirroredVersionOutsideWindow(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("latest_release").NewKey("keep", "2")
	require.NoError(t, err)

	f, err := newLatestRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{
		"1.0.0": {Version: "1.0.0"},
		"1.1.0": {Version: "1.1.0"},
		"1.2.0": {Version: "1.2.0"},
		"2.0.0": {Version: "2.0.0"},
	}
	metadata := &bandersnatch.ProjectMetadata{ExistingVersions: map[string]bool{"1.0.0": true}}

	kept, decision, err := f.EvaluateReleases(context.Background(), metadata, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, kept, 3, "top 2 plus the already-mirrored version outside the window")
	_, ok := kept["1.0.0"]
	require.True(t, ok, "a previously-mirrored version must survive even outside the keep-N window")
}
