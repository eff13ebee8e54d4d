package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/internal/log"
	"github.com/dshills/tracker-go/tracker"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Applier receives emitter configuration changes. *tracker.Emitter
// implements it.
type Applier interface {
	Apply(tracker.ConfigUpdate) error
}

// Watcher reloads the emitter section of a config file whenever the file
// changes and applies it to a running emitter. Other sections need a
// restart and are ignored on reload.
//
// Every reload sets the whole emitter configuration: keys missing from the
// file, or removed since the last reload, go back to their defaults. Values
// set in code through tracker options are replaced as well.
type Watcher struct {
	path     string
	target   Applier
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	reloads chan error
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher creates a watcher for path that pushes updates into target.
func NewWatcher(path string, target Applier, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		logger:   log.WithComponent("config"),
		debounce: DefaultDebounce,
		reloads:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reloads delivers the result of every automatic reload. Results are dropped
// when nobody reads them.
func (w *Watcher) Reloads() <-chan error { return w.reloads }

// Reload reads the file and applies its emitter settings. Environment
// overrides apply as in Load. An invalid file leaves the emitter unchanged.
func (w *Watcher) Reload() error {
	cfg := Default()
	if err := loadFile(w.path, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnv(&cfg, env{logger: w.logger})

	update := tracker.DefaultEmitterConfig().Merge(cfg.Emitter.Update()).Update()
	if err := w.target.Apply(update); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	w.logger.Info().Str(log.FieldPath, w.path).Msg("emitter configuration reloaded")
	return nil
}

// Start watches the file until ctx is done or Stop is called. The parent
// directory is watched so editors that replace the file are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info().Str(log.FieldPath, w.path).Msg("watching config file for changes")
	go w.loop(ctx, fw, w.done)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			_ = fw.Close()
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.logger.Debug().Str("op", ev.Op.String()).Msg("config file changed")
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// schedule restarts the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		err := w.Reload()
		if err != nil {
			w.logger.Error().Err(err).Msg("automatic config reload failed")
		}
		select {
		case w.reloads <- err:
		default:
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop closes the file watcher and waits for the watch loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()
	if fw == nil {
		return
	}
	_ = fw.Close()
	<-done
}
