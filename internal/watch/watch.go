// Package watch reruns pack creation whenever new images land in a source
// directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/stickersync/internal/images"
)

// DefaultDelay is how long the directory must be quiet before a run starts
const DefaultDelay = 2 * time.Second

// RunFunc performs one create run
type RunFunc func(ctx context.Context) error

// Watcher runs a RunFunc on startup and after every burst of image changes
type Watcher struct {
	dir         string
	run         RunFunc
	logger      *slog.Logger
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a run is currently in progress
	syncPending bool       // whether another run is needed after the current one
	stopped     bool       // set on shutdown; no new run may start afterwards
	inflight    sync.WaitGroup
	debounce    *debouncer
}

// debouncer fires run once triggers have been quiet for delay
type debouncer struct {
	mu      sync.Mutex
	timer   *time.Timer
	delay   time.Duration
	run     func()
	stopped bool
}

// New creates a watcher for dir
func New(dir string, run RunFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		run:      run,
		logger:   logger,
		debounce: &debouncer{delay: DefaultDelay},
	}
}

// Start watches the directory until ctx is cancelled, performing an initial
// run once the watch is in place. On cancellation it waits for a run already
// in progress to return, then returns ctx.Err().
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.logger.Info("performing initial run before watching", "dir", w.dir)
	w.performSync(ctx)

	w.debounce.run = func() { w.performSync(ctx) }

	w.logger.Info("watching for new images", "dir", w.dir, "debounce", w.debounce.delay)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher")
			w.shutdown()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				w.shutdown()
				return nil
			}
			if !isRelevant(event) {
				continue
			}
			w.logger.Debug("image changed", "file", filepath.Base(event.Name), "op", event.Op.String())
			w.debounce.trigger()
		case err, ok := <-fsw.Errors:
			if !ok {
				w.shutdown()
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// isRelevant reports whether an event is a new or rewritten source image
func isRelevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return images.IsConvertible(name) || images.IsReady(name)
}

// shutdown stops scheduling runs and blocks until the current one returns
func (w *Watcher) shutdown() {
	w.debounce.stop()

	w.syncMu.Lock()
	w.stopped = true
	running := w.syncRunning
	w.syncMu.Unlock()

	if running {
		w.logger.Info("waiting for the current run to finish")
	}
	w.inflight.Wait()
}

// performSync executes a run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued.
func (w *Watcher) performSync(ctx context.Context) {
	w.syncMu.Lock()
	if w.stopped {
		w.syncMu.Unlock()
		return
	}
	if w.syncRunning {
		w.syncPending = true
		w.syncMu.Unlock()
		w.logger.Info("run already in progress, queuing pending re-run")
		return
	}
	w.syncRunning = true
	w.inflight.Add(1)
	w.syncMu.Unlock()
	defer w.inflight.Done()

	for {
		if ctx.Err() != nil {
			w.syncMu.Lock()
			w.syncRunning = false
			w.syncPending = false
			w.syncMu.Unlock()
			return
		}

		if err := w.run(ctx); err != nil {
			w.logger.Error("run failed", "error", err)
		} else {
			w.logger.Info("run completed successfully")
		}

		w.syncMu.Lock()
		if !w.syncPending {
			w.syncRunning = false
			w.syncMu.Unlock()
			break
		}
		w.syncPending = false
		w.syncMu.Unlock()

		w.logger.Info("re-running due to pending request")
	}
}

// trigger arms the timer, pushing an armed one back by the full delay
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || d.run == nil {
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.run)
		return
	}
	d.timer.Reset(d.delay)
}

// stop disarms the timer for good. A run that already fired is not affected.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
