package backend_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/backend"
)

func TestResolvePath(t *testing.T) {
	for _, tt := range []struct {
		in   string
		out  string
		fail bool
	}{
		{in: "", out: ""},
		{in: "/", out: ""},
		{in: "a", out: "a"},
		{in: "a/b/c", out: "a/b/c"},
		{in: "/a/b/", out: "a/b"},
		{in: "a//b", out: "a/b"},
		{in: "a/./b", out: "a/b"},
		{in: "a/../b", out: "b"},
		{in: "..", fail: true},
		{in: "../x", fail: true},
		{in: "a/../../b", fail: true},
		{in: "a\\b", fail: true},
		{in: "a\x00b", fail: true},
	} {
		got, err := backend.ResolvePath(tt.in)
		if tt.fail {
			require.Error(t, err, tt.in)
			require.True(t, backend.ErrInvalidPath.Has(err), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.out, got, tt.in)
	}
}

func TestParentDepthBase(t *testing.T) {
	parent, ok := backend.ParentPath("a/b/c")
	require.True(t, ok)
	require.Equal(t, "a/b", parent)

	parent, ok = backend.ParentPath("a")
	require.True(t, ok)
	require.Equal(t, "", parent)

	_, ok = backend.ParentPath("")
	require.False(t, ok)

	require.Equal(t, 0, backend.Depth(""))
	require.Equal(t, 1, backend.Depth("a"))
	require.Equal(t, 3, backend.Depth("a/b/c"))

	require.Equal(t, "c", backend.BaseName("a/b/c"))
}

func TestIsAncestorRebase(t *testing.T) {
	require.True(t, backend.IsAncestor("", "a"))
	require.True(t, backend.IsAncestor("a", "a/b"))
	require.False(t, backend.IsAncestor("a", "a"))
	require.False(t, backend.IsAncestor("a", "ab/c"))

	require.Equal(t, "x/y", backend.Rebase("a/b", "a/b", "x/y"))
	require.Equal(t, "x/y/c", backend.Rebase("a/b/c", "a/b", "x/y"))
	require.Equal(t, "c", backend.Rebase("a/b/c", "a/b", ""))
}
