package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func TestBlocklistProject(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("blocklist").NewKey("packages", "evil-package\n# comment")
	require.NoError(t, err)

	f, err := newBlocklistProject(cfg)
	require.NoError(t, err)

	d, err := f.EvaluateProject(context.Background(), &bandersnatch.ProjectMetadata{Name: "Evil_Package"})
	require.NoError(t, err)
	require.Equal(t, DropProject, d)

	d, err = f.EvaluateProject(context.Background(), &bandersnatch.ProjectMetadata{Name: "good-package"})
	require.NoError(t, err)
	require.Equal(t, Keep, d)
}

func TestBlocklistRelease_DropsMatchingSpecifier(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("blocklist").NewKey("packages", "requests<2.0")
	require.NoError(t, err)

	f, err := newBlocklistRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{
		"1.5.0": {Version: "1.5.0"},
		"2.5.0": {Version: "2.5.0"},
	}
	kept, decision, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{Name: "requests"}, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, kept, 1)
	_, ok := kept["2.5.0"]
	require.True(t, ok)
}
