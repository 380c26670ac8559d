// Package catalog resolves and caches the list of releases available from
// the remote release source.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seralt/comfyctl/internal/apperr"
)

// Release is the remote release metadata. Read-only to every component
// outside this package.
type Release struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Prerelease  bool      `json:"prerelease"`
	Notes       string    `json:"notes"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a downloadable artifact reference attached to a release.
type Asset struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"` // "sha256:<hex>" when the source provides one
}

// Source is the remote release feed the cache pulls from.
type Source interface {
	FetchReleases(ctx context.Context) ([]Release, error)
}

// Cache wraps a Source with a TTL cache and a last-good fallback.
//
// Reads copy the cached slice under the mutex; the fetch itself runs
// outside it, so concurrent readers are never blocked on the network.
type Cache struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	cached    []Release
	fetchedAt time.Time
}

// NewCache creates a release cache. A non-positive ttl disables expiry
// (entries stay fresh until a forced refresh).
func NewCache(source Source, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, ttl: ttl, logger: logger}
}

// ListReleases returns the known releases, most recently published first
// (ties broken by tag, descending). On cache miss or forceRefresh it fetches
// from the source; on fetch failure it falls back to the last successfully
// cached list, or fails with the catalog_unavailable kind if none exists.
func (c *Cache) ListReleases(ctx context.Context, forceRefresh bool) ([]Release, error) {
	if cached, fresh := c.snapshot(); cached != nil && fresh && !forceRefresh {
		return cached, nil
	}

	releases, err := c.source.FetchReleases(ctx)
	if err != nil {
		cached, _ := c.snapshot()
		if cached != nil {
			c.logger.Warn("catalog: fetch failed, serving last-good list",
				slog.String("error", err.Error()),
				slog.Int("releases", len(cached)))
			return cached, nil
		}
		return nil, apperr.E(apperr.KindCatalogUnavailable, "catalog.list", "", err)
	}

	sortReleases(releases)
	c.store(releases)
	return cloneReleases(releases), nil
}

// Resolve finds a release by tag, refreshing the cache if the tag is not in
// the current list.
func (c *Cache) Resolve(ctx context.Context, tag string) (Release, error) {
	releases, err := c.ListReleases(ctx, false)
	if err != nil {
		return Release{}, err
	}
	if rel, ok := findTag(releases, tag); ok {
		return rel, nil
	}
	// The tag may have been published after the last fetch.
	releases, err = c.ListReleases(ctx, true)
	if err != nil {
		return Release{}, err
	}
	if rel, ok := findTag(releases, tag); ok {
		return rel, nil
	}
	return Release{}, apperr.E(apperr.KindUnknownTag, "catalog.resolve", tag, nil)
}

// FetchedAt reports when the cached list was last refreshed (zero when the
// cache is empty).
func (c *Cache) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}

func (c *Cache) snapshot() (releases []Release, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		return nil, false
	}
	fresh = c.ttl <= 0 || time.Since(c.fetchedAt) <= c.ttl
	return cloneReleases(c.cached), fresh
}

func (c *Cache) store(releases []Release) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = cloneReleases(releases)
	c.fetchedAt = time.Now()
}

func findTag(releases []Release, tag string) (Release, bool) {
	for _, rel := range releases {
		if rel.Tag == tag {
			return rel, true
		}
	}
	return Release{}, false
}

func sortReleases(releases []Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		if !releases[i].PublishedAt.Equal(releases[j].PublishedAt) {
			return releases[i].PublishedAt.After(releases[j].PublishedAt)
		}
		return releases[i].Tag > releases[j].Tag
	})
}

func cloneReleases(releases []Release) []Release {
	out := make([]Release, len(releases))
	copy(out, releases)
	return out
}
