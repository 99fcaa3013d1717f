package settings

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes both settings files and reports writes so the session can
// recompute its effective config and let the notifier queue a SANDBOX_CHANGE.
type Watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching the user and project settings files. onChange fires
// on every write, create or rename of either file; debouncing is the caller's concern
// (the notifier coalesces by hash anyway).
func Watch(r *Resolver, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	paths := map[string]bool{
		r.userSettingsPath():                 true,
		ProjectSettingsPath(r.WorkspaceRoot): true,
	}
	// Watch parent directories: the files may not exist yet and editors
	// replace them with rename+create.
	dirs := map[string]bool{}
	for p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			slog.Debug("settings watch skipped", "dir", d, "error", err)
		}
	}

	w := &Watcher{fw: fw, done: make(chan struct{})}
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !paths[ev.Name] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					slog.Debug("settings file changed", "path", ev.Name, "op", ev.Op.String())
					onChange()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("settings watcher error", "error", err)
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
