package intake

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// RawDocument is a source file fetched from a repository, before
// conversion to chunks.
type RawDocument struct {
	Path    string // Relative path under the source base path
	Content []byte
	SHA     string // Git blob SHA, usable as a change marker
	URL     string
}

// GitHubSource lists and fetches documents from a GitHub repository
// subtree. Rate limits are handled transparently by the client.
type GitHubSource struct {
	client   *github.Client
	owner    string
	repo     string
	basePath string
}

// NewGitHubSource creates a source over one repository subtree. The
// client authenticates with GITHUB_TOKEN when set.
func NewGitHubSource(owner, repo, basePath string) (*GitHubSource, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	client := github.NewClient(rateLimiter)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		client = client.WithAuthToken(token)
	}

	return &GitHubSource{
		client:   client,
		owner:    owner,
		repo:     repo,
		basePath: basePath,
	}, nil
}

// List recursively collects the paths of all ingestible files under the
// base path.
func (s *GitHubSource) List(ctx context.Context) ([]string, error) {
	return s.listRecursive(ctx, s.basePath, "")
}

func (s *GitHubSource) listRecursive(ctx context.Context, fullPath, relPath string) ([]string, error) {
	_, entries, _, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, fullPath, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", fullPath, err)
	}

	var docs []string
	for _, entry := range entries {
		if entry.Type == nil || entry.Name == nil {
			continue
		}
		entryRel := path.Join(relPath, *entry.Name)

		switch *entry.Type {
		case "file":
			if ingestible(*entry.Name) {
				docs = append(docs, entryRel)
			}
		case "dir":
			sub, err := s.listRecursive(ctx, path.Join(fullPath, *entry.Name), entryRel)
			if err != nil {
				return nil, err
			}
			docs = append(docs, sub...)
		}
	}
	return docs, nil
}

// Fetch downloads one file's content.
func (s *GitHubSource) Fetch(ctx context.Context, relPath string) (*RawDocument, error) {
	fullPath := path.Join(s.basePath, relPath)

	fileContent, _, _, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, fullPath, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fullPath, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("fetch %s: no file content returned", fullPath)
	}

	content, err := base64.StdEncoding.DecodeString(*fileContent.Content)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fullPath, err)
	}

	return &RawDocument{
		Path:    relPath,
		Content: content,
		SHA:     fileContent.GetSHA(),
		URL: fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/main/%s",
			s.owner, s.repo, fullPath),
	}, nil
}

// LatestCommitSHA returns the SHA of the most recent commit touching the
// base path, for change detection between ingest runs.
func (s *GitHubSource) LatestCommitSHA(ctx context.Context) (string, error) {
	commits, _, err := s.client.Repositories.ListCommits(ctx, s.owner, s.repo,
		&github.CommitsListOptions{
			Path:        s.basePath,
			ListOptions: github.ListOptions{PerPage: 1},
		})
	if err != nil {
		return "", fmt.Errorf("latest commit for %s: %w", s.basePath, err)
	}
	if len(commits) == 0 || commits[0].SHA == nil {
		return "", fmt.Errorf("no commits found for path %s", s.basePath)
	}
	return *commits[0].SHA, nil
}

func ingestible(name string) bool {
	for _, ext := range []string{".md", ".markdown", ".txt"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return true
		}
	}
	return false
}
