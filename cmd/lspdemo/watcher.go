package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/firi/lspwire/lspclient"
	"github.com/firi/lspwire/protocol"
)

// watchDebounce coalesces bursts of filesystem events (editors often
// write a file twice in quick succession) before notifying the server.
const watchDebounce = 500 * time.Millisecond

var skipDirs = map[string]bool{
	"build": true, "out": true, "bin": true, "obj": true, "node_modules": true, ".git": true,
}

// workspaceWatcher forwards filesystem changes under root to the server
// as workspace/didChangeWatchedFiles notifications, for as long as the
// client stays initialized.
type workspaceWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	client  *lspclient.Client
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]protocol.FileChangeType
	timer   *time.Timer
}

func newWorkspaceWatcher(root string, client *lspclient.Client, log *slog.Logger) (*workspaceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &workspaceWatcher{
		watcher: fsw,
		root:    root,
		client:  client,
		log:     log,
		pending: make(map[string]protocol.FileChangeType),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *workspaceWatcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if strings.HasPrefix(base, ".") || skipDirs[base] {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(path); err != nil {
				w.log.Debug("failed to watch directory", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
}

func (w *workspaceWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *workspaceWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}
	}

	var changeType protocol.FileChangeType
	switch {
	case event.Op&fsnotify.Create != 0:
		changeType = protocol.FileChangeTypeCreated
	case event.Op&fsnotify.Write != 0:
		changeType = protocol.FileChangeTypeChanged
	case event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0:
		changeType = protocol.FileChangeTypeDeleted
	default:
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = changeType
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.flush)
	w.mu.Unlock()
}

func (w *workspaceWatcher) flush() {
	w.mu.Lock()
	changes := make([]protocol.FileEvent, 0, len(w.pending))
	for path, kind := range w.pending {
		changes = append(changes, protocol.FileEvent{URI: protocol.FileURI(path), Type: kind})
	}
	w.pending = make(map[string]protocol.FileChangeType)
	w.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	if err := protocol.DidChangeWatchedFiles(w.client, changes); err != nil {
		w.log.Debug("failed to forward file changes", slog.String("error", err.Error()))
	}
}

func (w *workspaceWatcher) Close() error {
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.watcher.Close()
}
