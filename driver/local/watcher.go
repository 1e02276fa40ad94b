package local

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

// Watch implements cloudview.CanWatch using fsnotify. Every directory under
// the root is watched; an event on a path notifies its parent folder, and
// newly created directories are added to the watch set. It is a no-op
// unless Config.Watch is set.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	if !a.watch {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return &cloudview.PathError{Op: "watch", Path: a.root, Err: err}
	}
	if err := a.addTree(w, a.root); err != nil {
		w.Close()
		return &cloudview.PathError{Op: "watch", Path: a.root, Err: err}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				a.handleEvent(w, event, notify)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.log.Warn("watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (a *Adapter) handleEvent(w *fsnotify.Watcher, event fsnotify.Event, notify func(string)) {
	p := filepath.Clean(event.Name)
	if !isPathUnderRoot(a.root, p) || p == a.root {
		return
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if err := a.addTree(w, p); err != nil {
				a.log.Debug("watch add failed", zap.String("path", p), zap.Error(err))
			}
		}
	}
	a.log.Debug("fs event", zap.String("path", p), zap.Stringer("op", event.Op))
	notify(filepath.Dir(p))
}

// addTree adds dir and every directory below it to w.
func (a *Adapter) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, the root is not.
			if p == dir {
				return err
			}
			return filepath.SkipDir
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}
