package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherClosed is returned by Next after Close.
var ErrWatcherClosed = errors.New("watcher closed")

// Watcher reports keys whose files change on disk, whichever process
// wrote them.
type Watcher struct {
	fs *fsnotify.Watcher
}

// Watch starts watching the store directory.
func (f *File) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(f.dir); err != nil {
		_ = fw.Close() //nolint:errcheck // add error takes precedence
		return nil, fmt.Errorf("watch %s: %w", f.dir, err)
	}
	return &Watcher{fs: fw}, nil
}

// Next blocks until a key is created, replaced or removed and returns it.
// Temp and lock files are ignored.
func (w *Watcher) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return "", ErrWatcherClosed
			}
			return "", fmt.Errorf("watch: %w", err)
		case ev, ok := <-w.fs.Events:
			if !ok {
				return "", ErrWatcherClosed
			}
			if key, ok := keyForEvent(ev); ok {
				return key, nil
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func keyForEvent(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return "", false
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	key, ok := strings.CutSuffix(name, fileExtension)
	if !ok || validKey(key) != nil {
		return "", false
	}
	return key, true
}
