// Package modellink links a shared model store into a version's models
// directory so every installed version references one on-disk copy of the
// large model files.
package modellink

import (
	"fmt"
	"os"
	"path/filepath"
)

// Categories is the set of model subdirectories recognized under the shared
// root. They mirror ComfyUI's models/ layout.
var Categories = []string{
	"checkpoints",
	"clip",
	"clip_vision",
	"controlnet",
	"diffusion_models",
	"embeddings",
	"loras",
	"text_encoders",
	"upscale_models",
	"vae",
}

// Failure records one entry that could not be linked.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report summarizes one reconciliation pass. Per-entry failures are
// warnings: the version is usable without every category linked.
type Report struct {
	Linked   int       `json:"linked"`
	Existing int       `json:"existing"`
	Skipped  int       `json:"skipped"`
	Failures []Failure `json:"failures,omitempty"`
}

// Partial reports whether the pass left some entries unlinked.
func (r *Report) Partial() bool { return len(r.Failures) > 0 }

// Link reconciles symlinks from each recognized category in sharedRoot into
// versionDir/models. It is safe to re-run: correct links are left untouched,
// missing ones are created, and nothing outside versionDir is ever deleted.
// Entries already occupied by a real file are skipped, not replaced.
func Link(versionDir, sharedRoot string) (*Report, error) {
	if info, err := os.Stat(versionDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("modellink: version dir %s: %w", versionDir, err)
	}
	if info, err := os.Stat(sharedRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("modellink: shared root %s: %w", sharedRoot, err)
	}

	report := &Report{}
	for _, category := range Categories {
		srcDir := filepath.Join(sharedRoot, category)
		if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
			continue
		}

		dstDir := filepath.Join(versionDir, "models", category)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			report.Failures = append(report.Failures, Failure{Path: dstDir, Error: err.Error()})
			continue
		}

		entries, err := os.ReadDir(srcDir)
		if err != nil {
			report.Failures = append(report.Failures, Failure{Path: srcDir, Error: err.Error()})
			continue
		}
		for _, entry := range entries {
			linkEntry(report, filepath.Join(srcDir, entry.Name()), filepath.Join(dstDir, entry.Name()))
		}
	}
	return report, nil
}

func linkEntry(report *Report, src, dst string) {
	existing, err := os.Lstat(dst)
	if err == nil {
		if existing.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(dst); err == nil && target == src {
				report.Existing++
				return
			}
			// A symlink pointing elsewhere is stale; replace it.
			if err := os.Remove(dst); err != nil {
				report.Failures = append(report.Failures, Failure{Path: dst, Error: err.Error()})
				return
			}
		} else {
			// A real file the user placed here; never delete it.
			report.Skipped++
			return
		}
	}

	if err := os.Symlink(src, dst); err != nil {
		report.Failures = append(report.Failures, Failure{Path: dst, Error: err.Error()})
		return
	}
	report.Linked++
}
