/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package watcher triggers rescans of active folders when their content
// changes on disk. Events are debounced per folder: editors and sync
// tools touch many files in quick bursts.
package watcher

import (
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 2 * time.Second

// Rescanner is the lifecycle slice the watcher drives.
type Rescanner interface {
	Rescan(path string) bool
}

// Watcher maps filesystem events on watched roots onto debounced rescan
// calls. Only the root directory of each folder is watched; a change
// anywhere below it surfaces there for the common create/rename cases,
// which is enough of a trigger for a full rescan.
type Watcher struct {
	rescanner Rescanner
	debounce  time.Duration

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	roots   map[string]struct{}
	timers  map[string]*time.Timer
	closed  bool
	stopped chan struct{}
}

func New(rescanner Rescanner, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		rescanner: rescanner,
		debounce:  debounce,
		fs:        fs,
		roots:     make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch adds a folder root. Idempotent.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if _, ok := w.roots[path]; ok {
		return nil
	}
	if err := w.fs.Add(path); err != nil {
		return err
	}
	w.roots[path] = struct{}{}
	log.L.Debugf("watching folder %s for changes", path)
	return nil
}

// Unwatch removes a folder root and cancels its pending rescan.
func (w *Watcher) Unwatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[path]; !ok {
		return
	}
	delete(w.roots, path)
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	if err := w.fs.Remove(path); err != nil {
		log.L.WithError(err).Debugf("unwatch %s", path)
	}
}

func (w *Watcher) run() {
	defer close(w.stopped)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(w.rootFor(event.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.L.WithError(err).Warn("folder watcher error")
		}
	}
}

// rootFor maps an event path back to the watched root it belongs to.
func (w *Watcher) rootFor(name string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root := range w.roots {
		if name == root || (len(name) > len(root) && name[:len(root)] == root && name[len(root)] == '/') {
			return root
		}
	}
	return ""
}

// schedule (re)arms the per-folder debounce timer.
func (w *Watcher) schedule(root string) {
	if root == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[root]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[root] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, root)
		_, stillWatched := w.roots[root]
		w.mu.Unlock()
		if !stillWatched {
			return
		}
		if w.rescanner.Rescan(root) {
			log.L.Infof("change detected, rescanning %s", root)
		}
	})
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.stopped
	return err
}
