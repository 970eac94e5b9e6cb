// Package git provides Git repository utilities for lmassist.
//
// Remote sync matches projects across workstations by their git origin, so
// this package normalizes remote URLs into a canonical comparable form and
// enumerates the fetch remotes of a local repository.
package git

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

var (
	// ErrNotGitRepo indicates the directory is not a Git repository
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrHeadNotFound indicates the .git/HEAD file is missing
	ErrHeadNotFound = errors.New("HEAD file not found")
)

// NormalizeRemoteURL converts a git remote URL into a canonical
// "host/org/repo" form so the same origin compares equal across
// SSH and HTTPS clones.
//
//	git@github.com:acme/widget.git  -> github.com/acme/widget
//	https://github.com/acme/widget  -> github.com/acme/widget
//
// The function is idempotent: normalizing an already-normalized URL
// returns it unchanged.
func NormalizeRemoteURL(remote string) string {
	s := strings.TrimSpace(remote)
	if s == "" {
		return ""
	}

	// SSH scp-like syntax: git@host:org/repo[.git]
	if strings.HasPrefix(s, "git@") && strings.Contains(s, ":") && !strings.Contains(s, "://") {
		rest := strings.TrimPrefix(s, "git@")
		host, path, _ := strings.Cut(rest, ":")
		s = host + "/" + path
	} else if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			s = u.Host + u.Path
		}
	}

	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	s = strings.TrimSuffix(s, "/")
	return strings.ToLower(s)
}

// FetchRemotes returns the normalized fetch URLs of every remote configured
// in the repository at projectPath.
//
// Returns ErrNotGitRepo when the path is not inside a git repository.
func FetchRemotes(projectPath string) ([]string, error) {
	repo, err := gogit.PlainOpen(projectPath)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, projectPath)
		}
		return nil, fmt.Errorf("opening repository %s: %w", projectPath, err)
	}

	remotes, err := repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("listing remotes: %w", err)
	}

	var urls []string
	seen := make(map[string]bool)
	for _, r := range remotes {
		cfg := r.Config()
		for _, u := range cfg.URLs {
			normalized := NormalizeRemoteURL(u)
			if normalized == "" || seen[normalized] {
				continue
			}
			seen[normalized] = true
			urls = append(urls, normalized)
		}
	}
	return urls, nil
}

// DetectBranch detects the current Git branch from a project directory.
//
// It reads the .git/HEAD file to determine the branch name. If the HEAD
// is detached (not pointing to a branch), it returns "detached".
func DetectBranch(projectPath string) (string, error) {
	gitDir := filepath.Join(projectPath, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotGitRepo, projectPath)
	}

	headFile := filepath.Join(gitDir, "HEAD")
	content, err := os.ReadFile(headFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrHeadNotFound, headFile)
		}
		return "", fmt.Errorf("reading HEAD file: %w", err)
	}

	head := strings.TrimSpace(string(content))
	if head == "" {
		return "detached", nil
	}
	if strings.HasPrefix(head, "ref: refs/heads/") {
		return strings.TrimPrefix(head, "ref: refs/heads/"), nil
	}
	return "detached", nil
}
