package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

func TestDecisionString(t *testing.T) {
	require.Equal(t, "keep", Keep.String())
	require.Equal(t, "drop", Drop.String())
	require.Equal(t, "drop_project", DropProject.String())
}

func TestBuild_EmptyConfigYieldsEmptyChain(t *testing.T) {
	cfg := ini.Empty()
	chain, err := Build(cfg)
	require.NoError(t, err)
	require.Empty(t, chain.Project)
	require.Empty(t, chain.Release)
	require.Empty(t, chain.ReleaseFile)
}

func TestBuild_AllEnablesEveryRegisteredFilter(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("plugins").NewKey("enabled", "all")
	require.NoError(t, err)

	chain, err := Build(cfg)
	require.NoError(t, err)
	require.Len(t, chain.Project, len(projectFilterOrder))
	require.Len(t, chain.Release, len(releaseFilterOrder))
	require.Len(t, chain.ReleaseFile, len(releaseFileFilterOrder))
}

func TestBuild_SpecificSubset(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("plugins").NewKey("enabled", "blocklist_project\nregex_release")
	require.NoError(t, err)

	chain, err := Build(cfg)
	require.NoError(t, err)
	require.Len(t, chain.Project, 1)
	require.Equal(t, "blocklist_project", chain.Project[0].Name())
	require.Len(t, chain.Release, 1)
	require.Equal(t, "regex_release", chain.Release[0].Name())
	require.Empty(t, chain.ReleaseFile)
}

func TestChain_Evaluate_ProjectDropShortCircuits(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("plugins").NewKey("enabled", "blocklist_project")
	require.NoError(t, err)
	_, err = cfg.Section("blocklist").NewKey("packages", "evil-package")
	require.NoError(t, err)

	chain, err := Build(cfg)
	require.NoError(t, err)

	metadata := &bandersnatch.ProjectMetadata{
		Name: "evil-package",
		Raw:  map[string]any{},
	}
	decision, err := chain.Evaluate(context.Background(), metadata)
	require.NoError(t, err)
	require.Equal(t, DropProject, decision)
}

func TestChain_Evaluate_ReleaseAndFileFiltering(t *testing.T) {
	cfg := ini.Empty()
	_, err := cfg.Section("plugins").NewKey("enabled", "all")
	require.NoError(t, err)
	_, err = cfg.Section("latest_release").NewKey("keep", "1")
	require.NoError(t, err)

	chain, err := Build(cfg)
	require.NoError(t, err)

	metadata := &bandersnatch.ProjectMetadata{
		Name: "demo",
		Raw:  map[string]any{"info": map[string]any{"name": "demo"}},
		Releases: map[string]*bandersnatch.Release{
			"1.0.0": {Version: "1.0.0", Files: []bandersnatch.ReleaseFile{
				{Filename: "demo-1.0.0.tar.gz", PackageType: "sdist"},
			}},
			"2.0.0": {Version: "2.0.0", Files: []bandersnatch.ReleaseFile{
				{Filename: "demo-2.0.0.tar.gz", PackageType: "sdist"},
			}},
		},
	}
	decision, err := chain.Evaluate(context.Background(), metadata)
	require.NoError(t, err)
	require.Equal(t, Keep, decision)
	require.Len(t, metadata.Releases, 1)
	_, ok := metadata.Releases["2.0.0"]
	require.True(t, ok, "latest_release should keep the highest version")
}
