package compose

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher watches the stacks directory tree for compose file changes
// and calls onChange(stackName) after a short debounce so the caller can
// broadcast a fresh stack list.
func StartWatcher(ctx context.Context, stacksDir string, onChange func(stackName string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the top-level stacks directory (for new/removed stack subdirs)
	if err := watcher.Add(stacksDir); err != nil {
		watcher.Close()
		return err
	}

	// Watch each existing stack subdirectory
	entries, err := os.ReadDir(stacksDir)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			subdir := filepath.Join(stacksDir, entry.Name())
			if err := watcher.Add(subdir); err != nil {
				slog.Warn("compose watcher: add subdir", "err", err, "dir", subdir)
			}
		}
	}

	go runWatcher(ctx, watcher, stacksDir, onChange)

	slog.Info("compose file watcher started", "dir", stacksDir)
	return nil
}

// isComposeFile checks if a filename matches any accepted compose file name.
func isComposeFile(name string) bool {
	for _, accepted := range acceptedComposeFileNames {
		if name == accepted {
			return true
		}
	}
	return false
}

// runWatcher is the main loop for the fsnotify watcher.
func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, stacksDir string, onChange func(stackName string)) {
	defer watcher.Close()

	// Debounce: coalesce events for the same stack within 200ms
	var debounceMu sync.Mutex
	pending := make(map[string]*time.Timer)

	triggerUpdate := func(stackName string) {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if timer, ok := pending[stackName]; ok {
			timer.Stop()
		}
		pending[stackName] = time.AfterFunc(200*time.Millisecond, func() {
			debounceMu.Lock()
			delete(pending, stackName)
			debounceMu.Unlock()

			if onChange != nil {
				onChange(stackName)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			name := filepath.Base(event.Name)
			dir := filepath.Dir(event.Name)

			// Event in the stacks directory itself: new or removed subdirs
			if dir == stacksDir {
				if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("compose watcher: add new subdir", "err", err, "dir", event.Name)
						}
						triggerUpdate(name)
					}
				}
				if event.Op&fsnotify.Remove != 0 {
					triggerUpdate(name)
				}
				continue
			}

			// Event in a stack subdirectory: compose file changed
			stackName := filepath.Base(dir)
			parentDir := filepath.Dir(dir)

			// Only handle events in direct children of stacksDir
			if parentDir != stacksDir {
				continue
			}

			if !isComposeFile(name) && name != ".env" {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				triggerUpdate(stackName)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("compose watcher error", "err", err)
		}
	}
}
