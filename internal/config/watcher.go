package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when the config file changes.
// The running server sets these at startup to hot-reload anomaly
// thresholds without a restart.
type WatchTargets struct {
	// OnConfigChange fires when the config file is written or created.
	// Typically re-runs Load and pushes the anomaly section into
	// audit.Service.SetThresholds.
	OnConfigChange func()
}

// Watcher monitors the directory holding the config file using fsnotify
// and fires WatchTargets callbacks when that file changes.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	file      string
	logger    *slog.Logger
	done      chan struct{}
}

// NewWatcher creates a file watcher for the config file at path.
//
// The parent directory is watched rather than the file itself, so editors
// that save by rename-and-replace still produce a Create event.
func NewWatcher(path string, targets WatchTargets, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		file:      filepath.Base(path),
		logger:    logger,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	logger.Info("config watcher started", "file", path)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the callbacks.
// Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removes and renames mean the file is gone; keep the
			// last good config.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != w.file {
				continue
			}
			w.logger.Info("config file changed, triggering reload", "file", event.Name)
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
