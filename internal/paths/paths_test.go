package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	inputs := []string{
		"/home/dev/project",
		"/a/b-c",
		"/work/repo.git",
		"/tmp/x y z",
		"/deep/ly/nested/path/with/segments",
	}
	for _, in := range inputs {
		assert.Equal(t, in, DecodeProject(EncodeProject(in)), "round trip for %q", in)
	}
}

func TestDecodeLegacy_PrefersExistingDashPath(t *testing.T) {
	root := t.TempDir()
	// Create /<root>/a/b-c but not /<root>/a/b/c.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b-c"), 0o755))

	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}

	// Encode the real path the legacy way and strip the tempdir prefix
	// handling: probe against the real filesystem.
	legacy := ""
	for _, c := range filepath.Join(root, "a", "b-c") {
		if c == '/' {
			legacy += "-"
		} else {
			legacy += string(c)
		}
	}

	decoded := decodeLegacy(legacy, exists)
	assert.Equal(t, filepath.Join(root, "a", "b-c"), decoded)
}

func TestDecodeLegacy_FallsBackToSeparators(t *testing.T) {
	// Nothing exists on disk: every dash becomes a separator.
	exists := func(string) bool { return false }
	assert.Equal(t, "/a/b/c", decodeLegacy("-a-b-c", exists))
}
