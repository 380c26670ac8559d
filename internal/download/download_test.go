package download

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seralt/comfyctl/internal/catalog"
	"github.com/seralt/comfyctl/internal/checksum"
)

// makeTarGz builds an in-memory tar.gz with the given name→content entries.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag != tar.TypeDir {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMaterializeExtractsAndStripsPrefix(t *testing.T) {
	archive := makeTarGz(t, map[string]string{
		"ComfyUI-abc123/":               "",
		"ComfyUI-abc123/main.py":        "print('hi')\n",
		"ComfyUI-abc123/comfy/model.py": "pass\n",
	})
	srv := serveBytes(t, archive)

	dir := t.TempDir()
	var lastDone int64
	art := NewClient().Artifact(catalog.Asset{Name: "src.tar.gz", URL: srv.URL}, func(done, _ int64) {
		lastDone = done
	})
	if err := art.Materialize(context.Background(), dir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	for _, p := range []string{"main.py", "comfy/model.py"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
	if lastDone != int64(len(archive)) {
		t.Errorf("progress reported %d bytes, want %d", lastDone, len(archive))
	}
	// The temp archive itself must not remain in the target dir.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "download-") {
			t.Errorf("temp archive left behind: %s", e.Name())
		}
	}
}

func TestMaterializeNoCommonPrefix(t *testing.T) {
	archive := makeTarGz(t, map[string]string{
		"main.py":   "a\n",
		"README.md": "b\n",
	})
	srv := serveBytes(t, archive)

	dir := t.TempDir()
	art := NewClient().Artifact(catalog.Asset{URL: srv.URL}, nil)
	if err := art.Materialize(context.Background(), dir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Errorf("missing README.md: %v", err)
	}
}

func TestMaterializeVerifiesDigest(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"main.py": "x\n"})
	srv := serveBytes(t, archive)
	dir := t.TempDir()

	good := "sha256:" + checksum.Sum(archive)
	art := NewClient().Artifact(catalog.Asset{URL: srv.URL, Digest: good}, nil)
	if err := art.Materialize(context.Background(), dir); err != nil {
		t.Fatalf("valid digest rejected: %v", err)
	}

	bad := "sha256:" + strings.Repeat("0", 64)
	art = NewClient().Artifact(catalog.Asset{URL: srv.URL, Digest: bad}, nil)
	err := art.Materialize(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("err = %v, want checksum mismatch", err)
	}
}

func TestMaterializeRejectsEscapingPaths(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"../evil.py": "x\n"})
	srv := serveBytes(t, archive)

	art := NewClient().Artifact(catalog.Asset{URL: srv.URL}, nil)
	if err := art.Materialize(context.Background(), t.TempDir()); err == nil {
		t.Error("expected traversal entry to be rejected")
	}
}

func TestMaterializeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	art := NewClient().Artifact(catalog.Asset{URL: srv.URL}, nil)
	if err := art.Materialize(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error on 404")
	}
}
