package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchEvent describes a change of a watched path
type WatchEvent struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileWatcher reports filesystem changes until its context ends
type FileWatcher struct {
	logger *zap.Logger
}

// NewFileWatcher creates a watcher
func NewFileWatcher(logger *zap.Logger) *FileWatcher {
	return &FileWatcher{logger: logger.Named("file-watcher")}
}

// Watch starts watching path and calls onEvent for every change. It returns
// once the watch is established; watching continues until ctx is done.
func (w *FileWatcher) Watch(ctx context.Context, path string, onEvent func(WatchEvent)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w.logger.Info("Watching path", zap.String("path", path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("Stopped watching path", zap.String("path", path))
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				onEvent(WatchEvent{
					Path:      event.Name,
					Op:        event.Op.String(),
					Timestamp: time.Now().UTC(),
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("File watcher error",
					zap.String("path", path),
					zap.Error(err))
			}
		}
	}()

	return nil
}
