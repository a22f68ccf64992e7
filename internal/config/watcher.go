package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SelectionWatcher watches the model-selection document and reports the
// reloaded selection whenever it changes on disk. The parent directory is
// watched instead of the file itself so atomic rename-over rewrites are
// still observed.
type SelectionWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	path     string
	agentKey string
	onChange func(ModelSelection)
	debounce time.Duration
	stopCh   chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// WatchSelection starts watching the selection document at path.
func WatchSelection(path, agentKey string, logger zerolog.Logger, onChange func(ModelSelection)) (*SelectionWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &SelectionWatcher{
		watcher:  watcher,
		logger:   logger,
		path:     filepath.Clean(path),
		agentKey: agentKey,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := watcher.Add(filepath.Dir(sw.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go sw.run()

	return sw, nil
}

// Stop stops the watcher. A pending debounced reload is cancelled, so
// onChange does not fire after Stop returns.
func (sw *SelectionWatcher) Stop() error {
	sw.mu.Lock()
	if sw.stopped {
		sw.mu.Unlock()
		return nil
	}
	sw.stopped = true
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.mu.Unlock()

	close(sw.stopCh)
	return sw.watcher.Close()
}

// run processes file system events.
func (sw *SelectionWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != sw.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				sw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Model selection file changed")

				sw.scheduleReload()
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error().Err(err).Msg("Selection watcher error")

		case <-sw.stopCh:
			return
		}
	}
}

// scheduleReload debounces bursts of write events into one reload.
func (sw *SelectionWatcher) scheduleReload() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.stopped {
		return
	}
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.reload)
}

// reload holds the lock for its whole body: a concurrent Stop either
// completes before the reload starts, or waits for it to finish.
func (sw *SelectionWatcher) reload() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.stopped {
		return
	}

	sel, err := LoadSelection(sw.path, sw.agentKey)
	if err != nil {
		sw.logger.Warn().Err(err).Msg("Failed to reload model selection, keeping previous")
		return
	}

	sw.logger.Info().
		Str("provider", sel.Provider).
		Str("model", sel.Model).
		Msg("Model selection updated")

	sw.onChange(sel)
}
