// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analogy

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers index rebuilds when the decision log changes on disk.
//
// It watches the log's directory rather than the file itself: point
// updates replace the file by rename, which would silently detach a
// per-file watch. Bursts of appends are debounced so a busy service
// doesn't rebuild once per prediction.
type Watcher struct {
	logPath  string
	index    *Index
	debounce time.Duration

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// DefaultDebounceWindow batches log writes before a rebuild.
const DefaultDebounceWindow = 2 * time.Second

// NewWatcher creates a watcher for the decision log backing index.
// debounce <= 0 selects the default window.
func NewWatcher(logPath string, index *Index, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		logPath:  logPath,
		index:    index,
		debounce: debounce,
		watcher:  fsw,
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "analogy_watcher"),
	}, nil
}

// Start begins watching. Rebuilds run on a single goroutine; overlapping
// triggers collapse into one rebuild. The goroutine exits when ctx is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.logPath)); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
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
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.index.RebuildWithTimeout(ctx); err != nil {
				w.logger.Error("scheduled rebuild failed", "error", err)
			}
		}
	}
}

// relevant filters directory noise down to writes against the log itself.
// Temp files from in-flight rewrites are ignored; the rename that lands
// them is what matters.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasSuffix(event.Name, ".tmp") {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.logPath)
}
