package signatures

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"otscope/pkg/logging"
)

// Watcher reloads the signature engine when rule files change on disk.
// Events are debounced so an editor's write-rename dance triggers one
// reload, not three.
type Watcher struct {
	engine  *Engine
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	debounceDelay time.Duration
	lastEvent     time.Time
}

// NewWatcher creates a watcher over the engine's signature directory.
func NewWatcher(engine *Engine) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		engine:        engine,
		watcher:       w,
		logger:        logging.NewLogger("signature-watcher", logging.INFO, false),
		debounceDelay: 500 * time.Millisecond,
	}, nil
}

// Start begins watching. It returns immediately; the watch loop runs until
// the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if w.engine.dir == "" {
		w.logger.Info("no signature directory to watch", nil)
		return nil
	}
	if err := w.watcher.Add(w.engine.dir); err != nil {
		return err
	}
	w.logger.Info("watching signature directory", logging.Fields{"dir": w.engine.dir})
	go w.loop(ctx)
	return nil
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", logging.Fields{"error": err.Error()})
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	now := time.Now()
	if now.Sub(w.lastEvent) < w.debounceDelay {
		return
	}
	w.lastEvent = now

	result := w.engine.Reload()
	w.logger.Info("signatures reloaded after file change", logging.Fields{
		"trigger": filepath.Base(event.Name),
		"loaded":  result.Loaded,
		"errors":  len(result.Errors),
	})
}
