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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives each successfully reloaded configuration.
type ChangeHandler func(cfg Config)

// Watcher reloads a configuration file when it changes on disk.
//
// # Description
//
// Watches the file's parent directory rather than the file itself so that
// editors which replace the file by rename are still observed. Events for
// other files in the directory are ignored. Bursts of events are collapsed
// with a debounce window and the file is reloaded once per burst. A file
// that fails to load or validate is logged and the previous configuration
// stays in effect.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handler  ChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	events   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
	reloads  int
	failures int
}

// NewWatcher creates a watcher for path. A debounce of zero uses 200ms.
func NewWatcher(path string, handler ChangeHandler, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("config watcher: handler must not be nil")
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		handler:  handler,
		debounce: debounce,
		logger:   logger.With(slog.String("config", abs)),
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directory watch is in place.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// Stats returns the number of successful and failed reloads.
func (w *Watcher) Stats() (reloads, failures int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads, w.failures
}

func (w *Watcher) processEvents(ctx context.Context) {
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
			select {
			case w.events <- struct{}{}:
			default:
				// a reload is already pending
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.events:
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
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	w.mu.Lock()
	if err != nil {
		w.failures++
	} else {
		w.reloads++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded",
		slog.Int("experiments", len(cfg.Experiments)),
		slog.Int("rollouts", len(cfg.Rollouts)))
	w.handler(cfg)
}
