package bandersnatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeProjectName(t *testing.T) {
	cases := map[string]string{
		"Foo.Bar":    "foo-bar",
		"foo__bar":   "foo-bar",
		"FOO-BAR":    "foo-bar",
		"foo...bar":  "foo-bar",
		"peerme":     "peerme",
		"Django-CMS": "django-cms",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeProjectName(in))
	}
}

func TestLegacyNormalizeProjectName(t *testing.T) {
	// Case is preserved, unlike PEP 503 normalization.
	require.Equal(t, "Foo-Bar", LegacyNormalizeProjectName("Foo.Bar"))
	require.Equal(t, "Foo-Bar", LegacyNormalizeProjectName("Foo_Bar"))
}

func TestPackagePath(t *testing.T) {
	h, err := ParseHash("1aa000db9c5a799b676227e845d2b64fe725328e05e3d3b30036f50eb316bc9")
	require.NoError(t, err)
	got := PackagePath(h, "peerme-1.0.0-py36-none-any.whl")
	require.Equal(t, "packages/1a/a0/00db9c5a799b676227e845d2b64fe725328e05e3d3b30036f50eb316bc9/peerme-1.0.0-py36-none-any.whl", got)
}

func TestSimpleProjectDir(t *testing.T) {
	require.Equal(t, "simple/peerme", SimpleProjectDir("peerme", false))
	require.Equal(t, "simple/p/peerme", SimpleProjectDir("peerme", true))
}
