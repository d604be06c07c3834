package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/pkg/types"
)

// Watcher reloads configuration when a config file changes and hands the
// merged result to the callback. Only defaults that are safe to change live
// (model, thinking level, compaction/retry knobs) should be consumed from
// reloads; servers read their listen address once at startup.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	onReload  func(*types.Config)

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher watches the global and project config directories.
// Returns nil when neither directory exists.
func NewWatcher(directory string, onReload func(*types.Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watching := 0
	for _, dir := range []string{GetPaths().Config, filepath.Join(directory, ".agentd")} {
		if err := w.Add(dir); err == nil {
			watching++
		}
	}
	if watching == 0 {
		w.Close()
		return nil, nil
	}

	return &Watcher{
		watcher:   w,
		directory: directory,
		onReload:  onReload,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	// Debounce bursts of write events from editors.
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(w.directory)
		if err != nil {
			logging.Warn().Err(err).Msg("config reload failed")
			return
		}
		logging.Info().Msg("configuration reloaded")
		w.onReload(cfg)
	}

	for {
		select {
		case <-w.stopCh:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Stop stops watching and waits for the run loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		w.watcher.Close()
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
	w.started = false
}

func isConfigFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "agentd.") &&
		(strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".jsonc") ||
			strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml"))
}
