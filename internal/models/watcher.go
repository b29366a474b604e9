package models

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/metrics"
)

// Watcher keeps the latest Registry snapshot for a models.yaml file and
// refreshes it out-of-band when the file changes. Readers always get a
// complete snapshot; a failed reload leaves the previous one in place.
type Watcher struct {
	path     string
	logger   *zap.Logger
	current  atomic.Pointer[Registry]
	debounce time.Duration

	mu       sync.Mutex
	handlers []func(*Registry)
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher loads the file once. The initial load must succeed.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		path:     path,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the latest snapshot
func (w *Watcher) Current() *Registry {
	return w.current.Load()
}

// OnReload registers a callback invoked with each new snapshot
func (w *Watcher) OnReload(fn func(*Registry)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Reload re-reads the file and swaps the snapshot on success.
// An empty catalog is rejected so a truncated file never blanks the registry.
func (w *Watcher) Reload() error {
	reg, err := LoadFile(w.path)
	if err == nil && reg.Len() == 0 {
		err = fmt.Errorf("%s: %w", w.path, ErrEmptyRegistry)
	}
	if err != nil {
		metrics.RegistryReloads.WithLabelValues("error").Inc()
		return err
	}
	w.current.Store(reg)
	metrics.RegistryReloads.WithLabelValues("success").Inc()
	metrics.RegistryModels.Set(float64(reg.Len()))

	w.mu.Lock()
	handlers := append([]func(*Registry){}, w.handlers...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(reg)
	}
	w.logger.Info("Model registry loaded",
		zap.String("path", w.path),
		zap.Int("models", reg.Len()),
	)
	return nil
}

// Start begins watching. The parent directory is watched so that
// atomic-rename saves are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx, fsw, w.stopCh, w.doneCh)
	return nil
}

// Close stops watching; safe to call more than once
func (w *Watcher) Close() error {
	w.mu.Lock()
	fsw, stop, done := w.fsw, w.stopCh, w.doneCh
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	close(stop)
	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts of events from a single save
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("Model registry reload failed, keeping previous snapshot",
					zap.String("path", w.path),
					zap.Error(err),
				)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Registry watcher error", zap.Error(err))
		}
	}
}
