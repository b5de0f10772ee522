package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ModelWatcher watches a model file and invokes a reload callback when
// it changes. The watch is on the containing directory so atomic
// rename-into-place writes are seen too.
type ModelWatcher struct {
	path     string
	onChange func()
	logger   zerolog.Logger
	debounce time.Duration
}

// NewModelWatcher creates a watcher for path. onChange runs after each
// (debounced) modification.
func NewModelWatcher(path string, onChange func(), logger zerolog.Logger) *ModelWatcher {
	return &ModelWatcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With().Str("component", "model_watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Run blocks watching the model file until the context is cancelled.
func (w *ModelWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	w.logger.Info().Str("path", w.path).Msg("Watching model file for changes")

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors and trainers write in bursts; coalesce them.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.logger.Info().Str("path", w.path).Msg("Model file changed, reloading")
			w.onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Model watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}
