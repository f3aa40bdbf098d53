// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly compiled pipeline. A non-nil error keeps
// the previous pipeline active.
type ReloadFunc func(p *dag.Pipeline, g *dag.Graph) error

// ReloadResultFunc observes every reload attempt.
type ReloadResultFunc func(err error)

// PipelineWatcher recompiles a pipeline file when it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename are still observed. Bursts of events are
// collapsed into one reload after the debounce window.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. The reload callback
// is never invoked concurrently with itself.
type PipelineWatcher struct {
	path     string
	debounce time.Duration
	reload   ReloadFunc
	onResult ReloadResultFunc
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	watching bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a PipelineWatcher.
type WatcherOption func(*PipelineWatcher)

// WithDebounce sets the quiet period before a reload. Default 500ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PipelineWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *PipelineWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithReloadResult registers a callback invoked after every attempt.
func WithReloadResult(fn ReloadResultFunc) WatcherOption {
	return func(w *PipelineWatcher) { w.onResult = fn }
}

// NewPipelineWatcher creates a watcher for path. Call Start to begin.
func NewPipelineWatcher(path string, reload ReloadFunc, opts ...WatcherOption) (*PipelineWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: pipeline path is empty", ErrInvalidConfig)
	}
	if reload == nil {
		return nil, fmt.Errorf("%w: reload func is nil", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &PipelineWatcher{
		path:     abs,
		debounce: 500 * time.Millisecond,
		reload:   reload,
		logger:   slog.Default(),
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. It returns once the directory watch is in
// place; events are handled in a background goroutine until ctx ends or
// Stop is called.
func (w *PipelineWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watching = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *PipelineWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
	w.mu.Lock()
	w.watching = false
	w.mu.Unlock()
}

func (w *PipelineWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.apply()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pipeline watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *PipelineWatcher) apply() {
	err := w.Reload()
	if w.onResult != nil {
		w.onResult(err)
	}
}

// Reload compiles the file now and hands the result to the reload func.
func (w *PipelineWatcher) Reload() error {
	p, g, err := dag.LoadAndCompile(w.path)
	if err == nil {
		err = w.reload(p, g)
	}
	if err != nil {
		w.logger.Error("pipeline reload rejected",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	w.logger.Info("pipeline reloaded",
		slog.String("path", w.path),
		slog.String("name", p.Name),
		slog.String("hash", g.Hash()),
		slog.Int("stages", g.Len()),
	)
	return nil
}
