// Package testutil provides shared test helpers for setting up state
// databases and model libraries.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seralt/comfyctl/internal/store"
)

// TestDB creates a temporary state database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "comfyctl-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestModelLibrary creates a temporary shared model root populated with the
// given files (paths relative to the root, e.g. "checkpoints/base.safetensors").
func TestModelLibrary(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}
