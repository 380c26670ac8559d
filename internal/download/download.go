// Package download materializes release assets: it streams an archive from
// the release host, verifies its digest when one is published, and extracts
// it into a target directory.
package download

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/seralt/comfyctl/internal/catalog"
	"github.com/seralt/comfyctl/internal/checksum"
	"github.com/seralt/comfyctl/internal/installdir"
)

// Progress reports downloaded and total bytes. total is -1 when the server
// does not announce a length.
type Progress func(downloaded, total int64)

// Client turns catalog assets into installdir artifacts.
type Client struct {
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient creates a download client.
func NewClient(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: 30 * time.Minute}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Artifact returns an installdir.Artifact that downloads and extracts asset.
// progress may be nil.
func (c *Client) Artifact(asset catalog.Asset, progress Progress) installdir.Artifact {
	return &assetArtifact{client: c, asset: asset, progress: progress}
}

type assetArtifact struct {
	client   *Client
	asset    catalog.Asset
	progress Progress
}

// Materialize downloads the archive into a temp file next to dir, verifies
// it, and extracts it into dir.
func (a *assetArtifact) Materialize(ctx context.Context, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.asset.URL, nil)
	if err != nil {
		return fmt.Errorf("download: build request: %w", err)
	}

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, "download-*.tmp")
	if err != nil {
		return fmt.Errorf("download: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	var reader io.Reader = resp.Body
	if a.progress != nil {
		reader = &progressReader{r: resp.Body, total: resp.ContentLength, report: a.progress}
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		return fmt.Errorf("download: write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("download: sync archive: %w", err)
	}

	if err := verifyDigest(tmpPath, a.asset.Digest); err != nil {
		return err
	}

	return extractTarGz(ctx, tmpPath, dir)
}

// verifyDigest checks a "sha256:<hex>" digest. Assets without one (source
// tarballs) are accepted as-is.
func verifyDigest(path, digest string) error {
	if digest == "" {
		return nil
	}
	want, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return fmt.Errorf("download: unsupported digest %q", digest)
	}
	got, err := checksum.File(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("download: checksum mismatch, got %s want %s", got, want)
	}
	return nil
}

// extractTarGz unpacks archivePath into dest. Archives whose entries all
// share a single top-level directory (GitHub source tarballs) have that
// component stripped.
func extractTarGz(ctx context.Context, archivePath, dest string) error {
	strip, err := commonPrefix(archivePath)
	if err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("download: open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("download: gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("download: read archive: %w", err)
		}

		rel, skip := normalizeEntry(header.Name, strip)
		if skip {
			continue
		}
		target := filepath.Join(dest, rel)
		if err := ensureWithinRoot(dest, target); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fileMode(header.Mode, 0o755)); err != nil {
				return fmt.Errorf("download: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("download: mkdir for file %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(header.Mode, 0o644))
			if err != nil {
				return fmt.Errorf("download: create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("download: copy file %s: %w", target, err)
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("download: symlink %s: %w", target, err)
			}
		default:
			// pax headers, hard links and the like are skipped.
		}
	}
	return nil
}

// commonPrefix scans the archive once and returns the shared top-level
// directory of all entries, or "" when there is none.
func commonPrefix(archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("download: open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("download: gzip reader: %w", err)
	}
	defer gz.Close()

	prefix := ""
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("download: scan archive: %w", err)
		}
		clean := path.Clean(strings.TrimPrefix(header.Name, "./"))
		if clean == "." || clean == "" || strings.HasPrefix(clean, "pax_global_header") {
			continue
		}
		top, _, _ := strings.Cut(clean, "/")
		if top == ".." {
			// Leave traversal entries intact so extraction rejects them.
			return "", nil
		}
		switch {
		case prefix == "":
			prefix = top
		case prefix != top:
			return "", nil
		}
	}
	return prefix, nil
}

func normalizeEntry(name, strip string) (string, bool) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || clean == "" || strings.HasPrefix(clean, "pax_global_header") {
		return "", true
	}
	if strip != "" {
		if clean == strip {
			return "", true
		}
		var ok bool
		clean, ok = strings.CutPrefix(clean, strip+"/")
		if !ok {
			return "", true
		}
	}
	if clean == "" {
		return "", true
	}
	return clean, false
}

func ensureWithinRoot(root, target string) error {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if target == root {
		return nil
	}
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("download: illegal path %s", target)
	}
	return nil
}

func fileMode(mode int64, fallback os.FileMode) os.FileMode {
	if mode == 0 {
		return fallback
	}
	return os.FileMode(mode) & 0o777
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.report(p.read, p.total)
	}
	return n, err
}
