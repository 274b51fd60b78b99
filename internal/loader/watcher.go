package loader

import (
	"context"
	"fmt"
	"os"
	"time"
)

// =============================================================================
// Config Watcher
// =============================================================================

// Watcher watches a config file for changes and reconciles the hub.
type Watcher struct {
	path     string
	hub      *Hub
	callback func(*ApplyResult)
	interval time.Duration
	done     chan struct{}
	modTime  time.Time
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, hub *Hub, callback func(*ApplyResult)) *Watcher {
	return &Watcher{
		path:     path,
		hub:      hub,
		callback: callback,
		interval: 5 * time.Second,
		done:     make(chan struct{}),
	}
}

// Start begins watching the config file.
func (w *Watcher) Start() {
	// Get initial mod time
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}

	go w.watch()
}

// Stop stops watching.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) watch() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}

			if info.ModTime().After(w.modTime) {
				w.modTime = info.ModTime()
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	result, err := w.apply()
	if err != nil {
		result = &ApplyResult{
			Errors: []string{fmt.Sprintf("reload config: %v", err)},
		}
	}
	if w.callback != nil {
		w.callback(result)
	}
}

func (w *Watcher) apply() (*ApplyResult, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	return w.hub.Reconcile(context.Background(), cfg)
}
