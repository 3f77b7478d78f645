package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func TestRegexProject_MatchesPattern(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("filter_regex").NewKey("packages", "^django.*")
	require.NoError(t, err)

	f, err := newRegexProject(cfg)
	require.NoError(t, err)

	d, err := f.EvaluateProject(context.Background(), &bandersnatch.ProjectMetadata{Name: "django-rest-framework"})
	require.NoError(t, err)
	require.Equal(t, Keep, d)

	d, err = f.EvaluateProject(context.Background(), &bandersnatch.ProjectMetadata{Name: "flask"})
	require.NoError(t, err)
	require.Equal(t, DropProject, d)
}

func TestRegexProject_InvalidPatternErrors(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("filter_regex").NewKey("packages", "(unclosed")
	require.NoError(t, err)

	_, err = newRegexProject(cfg)
	require.Error(t, err)
}

func TestRegexRelease_FiltersByVersionPattern(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("filter_regex").NewKey("releases", `^\d+\.\d+\.0$`)
	require.NoError(t, err)

	f, err := newRegexRelease(cfg)
	require.NoError(t, err)

	releases := map[string]*bandersnatch.Release{
		"1.0.0": {Version: "1.0.0"},
		"1.0.1": {Version: "1.0.1"},
	}
	kept, decision, err := f.EvaluateReleases(context.Background(), &bandersnatch.ProjectMetadata{}, releases)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, kept, 1)
	_, ok := kept["1.0.0"]
	require.True(t, ok)
}
