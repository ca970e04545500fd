package barepath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"/":           "",
		".":           "",
		"a/b":         "a/b",
		"/a/b":        "a/b",
		"a/./b":       "a/b",
		"a/b/..":      "a",
		"a/../b":      "b",
		"../../a":     "a",
		"a//b":        "a/b",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestParent(t *testing.T) {
	require.Equal(t, NoParent, Parent(""))
	require.Equal(t, "", Parent("a"))
	require.Equal(t, "a", Parent("a/b"))
	require.Equal(t, "a/b", Parent("a/b/c"))
}

func TestAncestors(t *testing.T) {
	require.Nil(t, Ancestors(""))
	require.Equal(t, []string{""}, Ancestors("a"))
	require.Equal(t, []string{"", "a"}, Ancestors("a/b"))
	require.Equal(t, []string{"", "a", "a/b"}, Ancestors("a/b/c"))
}

func TestGlobEscape(t *testing.T) {
	require.Equal(t, "d/[*]weird[[]name[]]", GlobEscape("d/*weird[name]"))
}
