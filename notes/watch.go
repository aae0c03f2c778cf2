package notes

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watch refreshes the index whenever notes are added, removed or renamed, until ctx is done.
// Bursts of events within debounce trigger a single refresh.
func (d *Dir) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Dir.Watch")
	}

	if err := d.addRecursive(watcher, d.root); err != nil {
		watcher.Close()
		return errors.Wrap(err, "Dir.Watch")
	}

	go d.processEvents(ctx, watcher, debounce)
	return nil
}

func (d *Dir) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil || !e.IsDir() {
			return nil
		}
		if path != d.root && strings.HasPrefix(e.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("cannot watch directory")
		}
		return nil
	})
}

func (d *Dir) processEvents(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer watcher.Close()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				// new folders have to be watched too
				_ = d.addRecursive(watcher, event.Name)
			}
			if !relevant(event) {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			if err := d.Refresh(); err != nil {
				d.logger.Error().Err(err).Msg("refresh after change failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// relevant reports whether an event can change the index. Writes to existing notes cannot.
func relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		return strings.HasSuffix(event.Name, ".md") || filepath.Ext(event.Name) == ""
	}
	return false
}
