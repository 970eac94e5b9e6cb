package git_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/lmassist/pkg/git"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRemoteURL(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		want   string
	}{
		{
			name:   "ssh scp syntax",
			remote: "git@github.com:acme/widget.git",
			want:   "github.com/acme/widget",
		},
		{
			name:   "https with .git",
			remote: "https://github.com/acme/widget.git",
			want:   "github.com/acme/widget",
		},
		{
			name:   "https without .git",
			remote: "https://github.com/acme/widget",
			want:   "github.com/acme/widget",
		},
		{
			name:   "trailing slash",
			remote: "https://github.com/acme/widget/",
			want:   "github.com/acme/widget",
		},
		{
			name:   "mixed case lowered",
			remote: "git@GitHub.com:Acme/Widget.git",
			want:   "github.com/acme/widget",
		},
		{
			name:   "ssh url scheme",
			remote: "ssh://git@gitlab.example.com/team/repo.git",
			want:   "gitlab.example.com/team/repo",
		},
		{
			name:   "empty",
			remote: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, git.NormalizeRemoteURL(tt.remote))
		})
	}
}

func TestNormalizeRemoteURL_Idempotent(t *testing.T) {
	inputs := []string{
		"git@github.com:acme/widget.git",
		"https://github.com/acme/widget",
		"github.com/acme/widget",
		"ssh://git@gitlab.example.com/team/repo",
	}
	for _, in := range inputs {
		once := git.NormalizeRemoteURL(in)
		assert.Equal(t, once, git.NormalizeRemoteURL(once), "normalize(%q) not idempotent", in)
	}
}

func TestFetchRemotes_NotARepo(t *testing.T) {
	_, err := git.FetchRemotes(t.TempDir())
	require.ErrorIs(t, err, git.ErrNotGitRepo)
}

func TestDetectBranch(t *testing.T) {
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))

	t.Run("branch ref", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
		branch, err := git.DetectBranch(dir)
		require.NoError(t, err)
		assert.Equal(t, "main", branch)
	})

	t.Run("detached head", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("0123456789abcdef0123456789abcdef01234567\n"), 0o644))
		branch, err := git.DetectBranch(dir)
		require.NoError(t, err)
		assert.Equal(t, "detached", branch)
	})

	t.Run("not a repo", func(t *testing.T) {
		_, err := git.DetectBranch(t.TempDir())
		assert.ErrorIs(t, err, git.ErrNotGitRepo)
	})
}
