package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root string, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("segments: []\n"), 0o644))
}

func TestDiscover_FindsNestedDefinitions(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "build.kite.yaml")
	touch(t, root, "ci/release.kite.yaml")
	touch(t, root, "ci/deep/nightly.kite.yaml")
	touch(t, root, "README.md")

	files, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"build.kite.yaml",
		"ci/deep/nightly.kite.yaml",
		"ci/release.kite.yaml",
	}, files)
}

func TestDiscover_SkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "good.kite.yaml")
	touch(t, root, ".git/hidden.kite.yaml")
	touch(t, root, ".kite/cached.kite.yaml")
	touch(t, root, "node_modules/pkg/x.kite.yaml")
	touch(t, root, "vendor/dep/y.kite.yaml")

	files, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"good.kite.yaml"}, files)
}

func TestDiscover_CustomPattern(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.kite.yaml")
	touch(t, root, "ci/b.kite.yaml")

	files, err := Discover(root, "ci/*.kite.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"ci/b.kite.yaml"}, files)
}

func TestDiscover_EmptyTree(t *testing.T) {
	files, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIsDefinition(t *testing.T) {
	assert.True(t, IsDefinition("ci/build.kite.yaml"))
	assert.False(t, IsDefinition("main.go"))
}
