package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tetra3d/internal/metrics"
)

// DatabaseEvent is a change to the reference database file.
type DatabaseEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// DatabaseWatcher warns when the reference database changes on disk. The
// engine keeps the copy it loaded at startup, so a change only takes
// effect after a restart.
type DatabaseWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	log     *slog.Logger
	// Events receives every change; slow readers lose events.
	Events chan DatabaseEvent
}

// NewDatabaseWatcher watches the directory holding path. Watching the
// directory rather than the file survives editors and tools that replace
// the file by renaming over it.
func NewDatabaseWatcher(path string, log *slog.Logger) (*DatabaseWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &DatabaseWatcher{
		watcher: w,
		path:    abs,
		log:     log,
		Events:  make(chan DatabaseEvent, 16),
	}, nil
}

// Run processes events until ctx is done, then releases the watch.
func (dw *DatabaseWatcher) Run(ctx context.Context) error {
	defer dw.watcher.Close()
	dw.log.Info("watching reference database", "path", dw.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return nil
			}
			dw.handle(event)
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return nil
			}
			dw.log.Warn("database watcher error", "error", err)
		}
	}
}

func (dw *DatabaseWatcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != dw.path {
		return
	}
	var operation string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		operation = "created"
	case event.Op&fsnotify.Write == fsnotify.Write:
		operation = "modified"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		operation = "deleted"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		operation = "renamed"
	default:
		return
	}

	metrics.DatabaseChanged()
	dw.log.Warn("reference database changed on disk; restart to load it",
		"path", dw.path, "operation", operation)

	select {
	case dw.Events <- DatabaseEvent{Path: dw.path, Operation: operation, Time: time.Now()}:
	default:
	}
}
