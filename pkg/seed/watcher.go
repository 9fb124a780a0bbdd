package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// DefaultDebounce is how long the watcher waits after the last change before applying
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-applies a seed file whenever it changes on disk
type Watcher struct {
	path     string
	engine   *rbac.Engine
	logger   *observability.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	// OnApply, when set, is called after every reload attempt
	OnApply func(Result, error)
}

// NewWatcher watches the directory holding path. Editors often replace files rather than
// write them in place, so events are matched by file name.
func NewWatcher(path string, engine *rbac.Engine, logger *observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.Discard()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seed path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		engine:   engine,
		logger:   logger.WithField("seed_file", abs),
		debounce: DefaultDebounce,
		watcher:  fw,
	}, nil
}

// SetDebounce changes the quiet period before a reload
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer observability.RecoverPanic(w.logger, "seed watcher")
	defer w.watcher.Close()

	// nil until a change is seen; a nil channel never fires
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Seed file changed")
			settle = time.After(w.debounce)

		case <-settle:
			settle = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Seed watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	result, err := w.apply(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Failed to apply seed file")
	} else if result.Changed() {
		w.logger.WithFields(map[string]interface{}{
			"permissions_created": result.PermissionsCreated,
			"roles_created":       result.RolesCreated,
			"roles_updated":       result.RolesUpdated,
			"rules_assigned":      result.RulesAssigned,
		}).Info("Seed file applied")
	}
	if w.OnApply != nil {
		w.OnApply(result, err)
	}
}

func (w *Watcher) apply(ctx context.Context) (Result, error) {
	file, err := Load(w.path)
	if err != nil {
		return Result{}, err
	}
	return Apply(ctx, w.engine, file)
}
