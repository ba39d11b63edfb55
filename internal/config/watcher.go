package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/cswartzvi/prefect/internal/logging"
)

// Watcher re-reads a config file when it changes on disk and reports the
// new configuration. Used to apply live changes to the runner process
// limit without a restart; everything else is startup-only.
type Watcher struct {
	path   string
	logger *logging.Logger
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{path: path, logger: logger}
}

// Watch blocks until ctx is cancelled, invoking onChange with the freshly
// loaded configuration after every write to the file. Reload failures are
// logged; the previous configuration stays in effect.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := NewLoader().WithConfigFile(w.path).Load()
			if err != nil {
				w.logger.Warn("config reload failed; keeping previous configuration",
					"path", w.path, "error", err)
				continue
			}
			w.logger.Info("config file changed", "path", w.path)
			onChange(cfg)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
