package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// GitHubSource fetches releases from the GitHub releases API for one
// repository.
type GitHubSource struct {
	baseURL    string
	owner      string
	repo       string
	httpClient *http.Client
}

// GitHubOption configures a GitHubSource.
type GitHubOption func(*GitHubSource)

// WithBaseURL overrides the API base URL (used by tests and mirrors).
func WithBaseURL(base string) GitHubOption {
	return func(s *GitHubSource) {
		if base != "" {
			s.baseURL = base
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) GitHubOption {
	return func(s *GitHubSource) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// NewGitHubSource creates a release source for github.com/<owner>/<repo>.
func NewGitHubSource(owner, repo string, opts ...GitHubOption) *GitHubSource {
	s := &GitHubSource{
		baseURL:    defaultAPIBase,
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchReleases pulls the release list and maps it to the catalog model.
// Releases without uploaded assets fall back to the source tarball so every
// release stays installable.
func (s *GitHubSource) FetchReleases(ctx context.Context) ([]Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=100", s.baseURL, s.owner, s.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog: read body: %w", err)
	}

	var raw []ghRelease
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("catalog: decode response: %w", err)
	}

	releases := make([]Release, 0, len(raw))
	for _, r := range raw {
		if r.Draft || r.TagName == "" {
			continue
		}
		rel := Release{
			Tag:         r.TagName,
			Name:        r.Name,
			PublishedAt: r.PublishedAt,
			Prerelease:  r.Prerelease,
			Notes:       r.Body,
		}
		for _, a := range r.Assets {
			rel.Assets = append(rel.Assets, Asset{
				Name:   a.Name,
				URL:    a.BrowserDownloadURL,
				Size:   a.Size,
				Digest: a.Digest,
			})
		}
		if len(rel.Assets) == 0 && r.TarballURL != "" {
			rel.Assets = append(rel.Assets, Asset{
				Name: r.TagName + ".tar.gz",
				URL:  r.TarballURL,
			})
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

// ghRelease mirrors the fields of the GitHub releases API we consume.
type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Prerelease  bool      `json:"prerelease"`
	Draft       bool      `json:"draft"`
	Body        string    `json:"body"`
	TarballURL  string    `json:"tarball_url"`
	Assets      []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	Digest             string `json:"digest"`
}
