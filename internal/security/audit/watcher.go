// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers verification when an entry file is modified in place.
// The store only ever creates entries by rename, so a write event on an
// existing entry file comes from someone else.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration
	verify   func(context.Context)
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewWatcher watches dir and calls verify, debounced, after suspicious
// events.
func NewWatcher(dir string, debounce time.Duration, verify func(context.Context), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		watcher:  fw,
		dir:      dir,
		debounce: debounce,
		verify:   verify,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}, nil
}

// Start processes events until Close.
func (w *Watcher) Start() {
	go w.loop()
}

// Close stops the watcher and any pending verification.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.stopped

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.suspicious(ev) {
				w.logger.Warn("audit entry modified in place", "file", filepath.Base(ev.Name), "op", ev.Op.String())
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("audit watcher error", "error", err)
		}
	}
}

func (w *Watcher) suspicious(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Chmod) {
		return false
	}
	name := filepath.Base(ev.Name)
	if _, _, ok := ParseFileName(name); ok {
		return true
	}
	_, _, ok := ParseAnchorFileName(name)
	return ok
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if w.ctx.Err() != nil {
			return
		}
		w.verify(w.ctx)
	})
}
