// Package watch re-runs the pipeline when its input rasters change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/timeutil"
)

// TriggerFunc is called with the input files that changed since the last call.
type TriggerFunc func(ctx context.Context, changed []string) error

// Watcher debounces filesystem events on a fixed set of files. A burst of
// writes, such as a GDAL export rewriting a GeoTIFF, produces one trigger
// once the files have been quiet for the debounce period.
type Watcher struct {
	files    map[string]bool
	dirs     []string
	debounce time.Duration
	trigger  TriggerFunc
	logger   *zap.Logger

	timer timeutil.Timer

	mu      sync.Mutex
	pending map[string]bool
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Clock    timeutil.Clock
	Logger   *zap.Logger
}

// New returns a watcher for files. Their parent directories are watched so
// that files replaced by rename are still seen.
func New(files []string, trigger TriggerFunc, opts Options) (*Watcher, error) {
	if len(files) == 0 {
		return nil, errors.New("nothing to watch")
	}
	if trigger == nil {
		return nil, errors.New("watcher needs a trigger")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	w := &Watcher{
		files:    map[string]bool{},
		debounce: opts.Debounce,
		trigger:  trigger,
		logger:   opts.Logger.Named("watch"),
		pending:  map[string]bool{},
	}
	seen := map[string]bool{}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", f, err)
		}
		w.files[abs] = true
		if dir := filepath.Dir(abs); !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	sort.Strings(w.dirs)

	// Created idle; every relevant event re-arms it.
	w.timer = opts.Clock.NewTimer(opts.Debounce)
	w.timer.Stop()
	return w, nil
}

// Dirs returns the directories being watched.
func (w *Watcher) Dirs() []string { return append([]string(nil), w.dirs...) }

// Run watches until ctx is cancelled. Trigger errors are logged and do not
// stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.logger.Info("watching input directory", zap.String("dir", dir))
	}
	return w.loop(ctx, fw.Events, fw.Errors)
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	defer w.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return errors.New("file watcher closed")
			}
			w.handle(ev)

		case err, ok := <-errs:
			if !ok {
				return errors.New("file watcher closed")
			}
			w.logger.Warn("file watcher error", zap.Error(err))

		case <-w.timer.C():
			w.fire(ctx)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	name := filepath.Clean(ev.Name)
	if !w.files[name] {
		return
	}
	w.logger.Debug("input changed", zap.String("file", name), zap.String("op", ev.Op.String()))

	w.mu.Lock()
	w.pending[name] = true
	w.mu.Unlock()
	w.timer.Reset(w.debounce)
}

func (w *Watcher) fire(ctx context.Context) {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for f := range w.pending {
		changed = append(changed, f)
	}
	w.pending = map[string]bool{}
	w.mu.Unlock()
	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)

	w.logger.Info("inputs settled, triggering run", zap.Strings("changed", changed))
	if err := w.trigger(ctx, changed); err != nil {
		w.logger.Warn("triggered run failed", zap.Error(err))
	}
}
