package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/agentdraht/internal/logger"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when its content changes and hands the new
// configuration to a callback. Editors that write via rename are handled by
// watching the parent directory; a content hash suppresses reloads for events
// that did not actually change the file.
type Watcher struct {
	path     string
	onChange func(*Config)

	watcher  *fsnotify.Watcher
	log      *logger.Logger
	lastHash uint64

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	doneCh chan struct{}
}

// Watch starts watching the config file at path. onChange runs on the
// watcher's goroutine with the freshly loaded configuration.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fsWatcher,
		log:      logger.Global().WithPrefix("config"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if data, err := os.ReadFile(path); err == nil {
		w.lastHash = xxhash.Sum64(data)
	}

	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: editors fire several events per save.
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(reloadDebounce, w.reload)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error: %v", err)
		}
	}
}

// reload re-reads the file, skips when the content hash is unchanged, and
// delivers the parsed config otherwise.
func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config reload: read %s: %v", w.path, err)
		return
	}

	hash := xxhash.Sum64(data)
	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.lastHash = hash
	w.mu.Unlock()
	if unchanged {
		w.log.Debug("config unchanged (hash %x), skipping reload", hash)
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload: parse %s: %v", w.path, err)
		return
	}

	w.log.Info("config reloaded from %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
