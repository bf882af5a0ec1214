package storage

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// Watch calls onChange whenever the document stored under key is replaced
// on disk. Only the OS filesystem can be watched.
func (f *FileKV) Watch(ctx context.Context, key string, onChange func()) error {
	if _, ok := f.fs.(*afero.OsFs); !ok {
		return ErrNotImplemented.New("watch requires the OS filesystem")
	}
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = watcher.Close() }()

	// Atomic writes rename over the target, so watch the directory.
	if err := watcher.Add(f.dir); err != nil {
		return Error.Wrap(err)
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return Error.Wrap(err)
		}
	}
}
