package shortcut

import (
	"fmt"
	"os"
	"path/filepath"
)

// DesktopEntryProvider implements Provider with freedesktop .desktop files:
// menu shortcuts go to the applications directory, desktop shortcuts to the
// user's Desktop directory.
type DesktopEntryProvider struct {
	applicationsDir string
	desktopDir      string
	launchCommand   string // command template invoked by the shortcut
}

// NewDesktopEntryProvider creates a provider writing entries under the given
// directories. launchCommand is the command the shortcut runs; the version
// tag is appended as an argument.
func NewDesktopEntryProvider(applicationsDir, desktopDir, launchCommand string) *DesktopEntryProvider {
	return &DesktopEntryProvider{
		applicationsDir: applicationsDir,
		desktopDir:      desktopDir,
		launchCommand:   launchCommand,
	}
}

func (p *DesktopEntryProvider) entryPath(kind Kind, tag string) (string, error) {
	dir := p.applicationsDir
	if kind == KindDesktop {
		dir = p.desktopDir
	}
	if dir == "" {
		return "", fmt.Errorf("shortcut: no directory configured for %s shortcuts", kind)
	}
	return filepath.Join(dir, fmt.Sprintf("comfyui-%s.desktop", tag)), nil
}

// Create writes the .desktop entry for kind.
func (p *DesktopEntryProvider) Create(kind Kind, tag, targetPath string) error {
	path, err := p.entryPath(kind, tag)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("shortcut: mkdir: %w", err)
	}
	entry := fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=ComfyUI %s
Comment=Launch ComfyUI %s
Exec=%s %s
Path=%s
Terminal=false
Categories=Graphics;
`, tag, tag, p.launchCommand, tag, targetPath)
	if err := os.WriteFile(path, []byte(entry), 0o755); err != nil {
		return fmt.Errorf("shortcut: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the entry for kind; a missing entry is not an error.
func (p *DesktopEntryProvider) Remove(kind Kind, tag string) error {
	path, err := p.entryPath(kind, tag)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shortcut: remove %s: %w", path, err)
	}
	return nil
}

// Exists checks the host for the entry file.
func (p *DesktopEntryProvider) Exists(kind Kind, tag string) (bool, error) {
	path, err := p.entryPath(kind, tag)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
