package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seralt/comfyctl/internal/apperr"
)

type fakeSource struct {
	releases []Release
	err      error
	calls    int
}

func (f *fakeSource) FetchReleases(_ context.Context) ([]Release, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Release, len(f.releases))
	copy(out, f.releases)
	return out, nil
}

func rel(tag string, published time.Time) Release {
	return Release{Tag: tag, Name: tag, PublishedAt: published}
}

func TestListReleasesOrdering(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{releases: []Release{
		rel("v0.1.0", base),
		rel("v0.3.0", base.Add(48*time.Hour)),
		rel("v0.2.1", base.Add(24*time.Hour)),
		rel("v0.2.0", base.Add(24*time.Hour)), // same instant as v0.2.1
	}}
	c := NewCache(src, time.Minute, nil)

	got, err := c.ListReleases(context.Background(), false)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	want := []string{"v0.3.0", "v0.2.1", "v0.2.0", "v0.1.0"}
	for i, w := range want {
		if got[i].Tag != w {
			t.Errorf("position %d = %s, want %s", i, got[i].Tag, w)
		}
	}
}

func TestCacheAvoidsRefetch(t *testing.T) {
	src := &fakeSource{releases: []Release{rel("v1.0", time.Now())}}
	c := NewCache(src, time.Minute, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.ListReleases(context.Background(), false); err != nil {
			t.Fatalf("ListReleases: %v", err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}

	if _, err := c.ListReleases(context.Background(), true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source calls after force = %d, want 2", src.calls)
	}
}

func TestFallbackToLastGood(t *testing.T) {
	src := &fakeSource{releases: []Release{rel("v1.0", time.Now())}}
	c := NewCache(src, time.Minute, nil)

	if _, err := c.ListReleases(context.Background(), false); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	src.err = errors.New("network down")
	got, err := c.ListReleases(context.Background(), true)
	if err != nil {
		t.Fatalf("expected last-good fallback, got %v", err)
	}
	if len(got) != 1 || got[0].Tag != "v1.0" {
		t.Errorf("fallback list = %+v", got)
	}
}

func TestCatalogUnavailableWithoutCache(t *testing.T) {
	src := &fakeSource{err: errors.New("network down")}
	c := NewCache(src, time.Minute, nil)

	_, err := c.ListReleases(context.Background(), false)
	if !errors.Is(err, apperr.ErrCatalogUnavailable) {
		t.Errorf("err = %v, want catalog_unavailable", err)
	}
}

func TestResolveUnknownTag(t *testing.T) {
	src := &fakeSource{releases: []Release{rel("v1.0", time.Now()), rel("v1.1-beta", time.Now())}}
	c := NewCache(src, time.Minute, nil)

	if _, err := c.Resolve(context.Background(), "v1.0"); err != nil {
		t.Fatalf("Resolve known tag: %v", err)
	}
	_, err := c.Resolve(context.Background(), "v2.0")
	if !errors.Is(err, apperr.ErrUnknownTag) {
		t.Errorf("err = %v, want unknown_tag", err)
	}
	// Unknown tag resolution triggers exactly one forced refresh.
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2", src.calls)
	}
}

func TestGitHubSourceMapsFields(t *testing.T) {
	published := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/comfyanonymous/ComfyUI/releases" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"tag_name":     "v0.3.0",
				"name":         "ComfyUI v0.3.0",
				"published_at": published,
				"prerelease":   false,
				"body":         "notes",
				"tarball_url":  "https://example.test/tarball/v0.3.0",
				"assets":       []any{},
			},
			{
				"tag_name": "draft-tag",
				"draft":    true,
			},
		})
	}))
	defer srv.Close()

	src := NewGitHubSource("comfyanonymous", "ComfyUI", WithBaseURL(srv.URL))
	got, err := src.FetchReleases(context.Background())
	if err != nil {
		t.Fatalf("FetchReleases: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (drafts skipped)", len(got))
	}
	r := got[0]
	if r.Tag != "v0.3.0" || !r.PublishedAt.Equal(published) || r.Notes != "notes" {
		t.Errorf("release = %+v", r)
	}
	if len(r.Assets) != 1 || r.Assets[0].URL != "https://example.test/tarball/v0.3.0" {
		t.Errorf("expected tarball fallback asset, got %+v", r.Assets)
	}
}
