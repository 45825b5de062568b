package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultSettle is how long a file must stay unchanged before a watch
// uploads it.
const DefaultSettle = 2 * time.Second

// Watch uploads candidate files created or rewritten under root until ctx
// is cancelled. New subdirectories are watched too. A file is uploaded once
// it has not changed for settle; files still being copied in are not sent
// half-written. Watch works on the OS filesystem only and returns nil when
// ctx is cancelled.
func (w *Walker) Watch(ctx context.Context, root string, settle time.Duration) error {
	if settle <= 0 {
		settle = DefaultSettle
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not start watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.watchTree(watcher, root, nil); err != nil {
		return err
	}
	w.log.Info("watching", zap.String("root", root), zap.Duration("settle", settle))

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			fi, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if fi.IsDir() {
				if event.Has(fsnotify.Create) && !ExcludedDirs[fi.Name()] {
					if err := w.watchTree(watcher, event.Name, pending); err != nil {
						w.log.Warn("directory not watched", zap.String("dir", event.Name), zap.Error(err))
					}
				}
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))

		case now := <-ticker.C:
			for path, changed := range pending {
				if now.Sub(changed) < settle {
					continue
				}
				delete(pending, path)
				w.UploadFile(ctx, path)
			}
		}
	}
}

// watchTree adds dir and its subdirectories to the watcher. Files found on
// the way are queued in pending when it is non-nil: they were moved in with
// a new directory and produce no event of their own.
func (w *Walker) watchTree(watcher *fsnotify.Watcher, dir string, pending map[string]time.Time) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			if pending != nil && d.Type().IsRegular() {
				pending[path] = time.Now()
			}
			return nil
		}
		if path != dir && ExcludedDirs[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
