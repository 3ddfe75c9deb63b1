package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when one of its source files changes.
type Watcher struct {
	loader   *Loader
	explicit string
	files    map[string]bool
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher watches the files the loader applied on its last Load. Their
// directories are watched so editors that replace files are handled.
// onChange receives every successfully reloaded and validated config.
func NewWatcher(loader *Loader, explicitPath string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	w := &Watcher{
		loader:   loader,
		explicit: explicitPath,
		files:    make(map[string]bool),
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
		logger:   loader.logger,
	}

	dirs := make(map[string]bool)
	for _, path := range loader.Sources() {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			pending = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.explicit)
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", "error", err)
		return
	}
	w.logger.Info("Config reloaded", "sources", w.loader.Sources())
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
