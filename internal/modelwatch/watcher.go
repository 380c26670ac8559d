// Package modelwatch watches the shared model library for changes and
// triggers symlink reconciliation across installed versions.
package modelwatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Relinker is the downstream consumer of change notifications. The manager
// implements it.
type Relinker interface {
	RelinkAll()
}

const defaultDebounce = 500 * time.Millisecond

// Watch starts an fsnotify watcher on the shared model root and runs until
// ctx is cancelled. Events are debounced: model downloads produce long
// bursts of writes, and one relink pass at the end covers all of them.
//
// New category directories created at runtime are automatically added to
// the watch list. debounce <= 0 selects the default.
func Watch(ctx context.Context, sharedRoot string, relinker Relinker, debounce time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, sharedRoot); err != nil {
		return err
	}

	logger.Info("model watcher: started", slog.String("root", sharedRoot))

	// relinkTimer debounces bursts of model file events.
	var relinkTimer *time.Timer
	var relinkCh <-chan time.Time

	scheduleRelink := func() {
		if relinkTimer == nil {
			relinkTimer = time.NewTimer(debounce)
			relinkCh = relinkTimer.C
		} else {
			relinkTimer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if relinkTimer != nil {
				relinkTimer.Stop()
			}
			logger.Info("model watcher: stopped")
			return nil

		case <-relinkCh:
			logger.Debug("model watcher: relinking")
			relinker.RelinkAll()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			// New directories join the watch list so models dropped into
			// fresh category folders are seen.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("model watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
				}
			}

			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleRelink()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("model watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
