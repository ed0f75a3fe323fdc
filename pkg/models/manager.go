/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/backend"
	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/metrics/data"
)

// Priority orders download requests. Within a priority, requests drain in
// arrival order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// request is one deduplicated download. done closes exactly once, after
// err is set; waiters in EnsureModelAvailable select on it.
type request struct {
	modelID  string
	priority Priority
	folders  map[string]struct{}
	seq      uint64

	done     chan struct{}
	err      error
	canceled bool
}

func (r *request) addFolders(folders []string) {
	for _, f := range folders {
		if f != "" {
			r.folders[f] = struct{}{}
		}
	}
}

// Manager admits model download requests, dedupes them against the queue
// and the active slot, and drains the queue serially: one download in
// flight host-wide. All observable state flows through the FMDM store.
type Manager struct {
	catalog  *Catalog
	store    *fmdm.Store
	resolver *backend.Resolver
	state    *State
	notify   EventSink

	progressInterval time.Duration

	mu           sync.Mutex
	queue        []*request
	queued       map[string]*request
	active       *request
	activeCancel context.CancelFunc
	nextSeq      uint64
	idle         bool

	wake    chan struct{}
	stopCh  chan struct{}
	drained chan struct{}
}

type ManagerOpt struct {
	Catalog          *Catalog
	Store            *fmdm.Store
	Resolver         *backend.Resolver
	State            *State
	ProgressInterval time.Duration
	// Notify receives download lifecycle events; nil disables them.
	Notify EventSink
}

func NewManager(opt ManagerOpt) *Manager {
	m := &Manager{
		catalog:          opt.Catalog,
		store:            opt.Store,
		resolver:         opt.Resolver,
		state:            opt.State,
		notify:           opt.Notify,
		progressInterval: opt.ProgressInterval,
		queued:           make(map[string]*request),
		idle:             true,
		wake:             make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		drained:          make(chan struct{}),
	}
	go m.runLoop()
	return m
}

// RequestDownload admits a download for modelID on behalf of the given
// folders. Idempotent: an installed model is a no-op, an active or queued
// request absorbs the folders, a queued request additionally takes the
// higher of the two priorities.
func (m *Manager) RequestDownload(modelID string, folders []string, priority Priority) error {
	if !m.catalog.Knows(modelID) {
		return errors.Wrapf(errdefs.ErrNotFound, "model %s is not curated", modelID)
	}
	if m.installed(modelID) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.modelID == modelID {
		m.active.addFolders(folders)
		return nil
	}
	if r, ok := m.queued[modelID]; ok {
		r.addFolders(folders)
		if priority > r.priority {
			log.L.Debugf("upgrading queued download %s to priority %s", modelID, priority)
			r.priority = priority
		}
		return nil
	}

	m.nextSeq++
	r := &request{
		modelID:  modelID,
		priority: priority,
		folders:  make(map[string]struct{}),
		seq:      m.nextSeq,
		done:     make(chan struct{}),
	}
	r.addFolders(folders)
	m.queue = append(m.queue, r)
	m.queued[modelID] = r
	m.idle = false
	data.DownloadQueueDepth.Set(float64(len(m.queue)))
	log.L.Infof("queued download of %s at priority %s for %d folder(s)", modelID, priority, len(r.folders))

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// IsModelAvailable reports whether the model is installed, downloading or
// already queued.
func (m *Manager) IsModelAvailable(modelID string) bool {
	if m.installed(modelID) {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.modelID == modelID {
		return true
	}
	_, queued := m.queued[modelID]
	return queued
}

// Idle reports whether no download is active or queued.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// EnsureModelAvailable requests the model at high priority and waits until
// it is installed, the download fails, or the timeout elapses. No manager
// lock is held while waiting.
func (m *Manager) EnsureModelAvailable(ctx context.Context, modelID, folderPath string, timeout time.Duration) bool {
	if m.installed(modelID) {
		return true
	}
	if err := m.RequestDownload(modelID, []string{folderPath}, PriorityHigh); err != nil {
		log.G(ctx).WithError(err).Errorf("request download of %s", modelID)
		return false
	}

	m.mu.Lock()
	var r *request
	if m.active != nil && m.active.modelID == modelID {
		r = m.active
	} else {
		r = m.queued[modelID]
	}
	m.mu.Unlock()

	if r == nil {
		// Completed between the request and the lookup.
		return m.installed(modelID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.err == nil
	case <-timer.C:
		log.G(ctx).Warnf("timed out after %s waiting for model %s", timeout, modelID)
		return false
	case <-ctx.Done():
		return false
	}
}

// CancelAll clears the queue and fails the active download without
// awaiting its backend; a late backend result is discarded when it lands.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	var canceledActive *request
	for _, r := range m.queue {
		r.err = errors.Wrapf(errdefs.ErrCanceled, "download of %s", r.modelID)
		close(r.done)
	}
	m.queue = nil
	m.queued = make(map[string]*request)
	data.DownloadQueueDepth.Set(0)

	if m.active != nil {
		canceledActive = m.active
		canceledActive.canceled = true
		canceledActive.err = errors.Wrapf(errdefs.ErrCanceled, "download of %s", canceledActive.modelID)
		close(canceledActive.done)
		if m.activeCancel != nil {
			m.activeCancel()
		}
		m.active = nil
		m.activeCancel = nil
	}
	m.idle = true
	m.mu.Unlock()

	if canceledActive != nil {
		log.L.Infof("canceled active download of %s", canceledActive.modelID)
		m.store.UpdateModelDownloadStatus(canceledActive.modelID, fmdm.DownloadStateFailed, 0, "download canceled")
	}
}

// Close cancels everything and stops the worker.
func (m *Manager) Close() {
	m.CancelAll()
	close(m.stopCh)
	<-m.drained
}

func (m *Manager) installed(modelID string) bool {
	for _, model := range m.store.GetSnapshot().CuratedModels {
		if model.ID == modelID {
			return model.Installed
		}
	}
	return false
}

func (m *Manager) runLoop() {
	defer close(m.drained)
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.wake:
		}
		for {
			r := m.popNext()
			if r == nil {
				break
			}
			m.execute(r)
		}
	}
}

// popNext takes the best queued request into the active slot: highest
// priority first, FIFO within a priority.
func (m *Manager) popNext() *request {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := -1
	for i, r := range m.queue {
		if best < 0 || r.priority > m.queue[best].priority ||
			(r.priority == m.queue[best].priority && r.seq < m.queue[best].seq) {
			best = i
		}
	}
	if best < 0 {
		m.idle = true
		return nil
	}

	r := m.queue[best]
	m.queue = append(m.queue[:best], m.queue[best+1:]...)
	delete(m.queued, r.modelID)
	m.active = r
	data.DownloadQueueDepth.Set(float64(len(m.queue)))
	return r
}

// execute runs one download to completion. The active slot is released in
// all cases, including cancellation racing the backend result.
func (m *Manager) execute(r *request) {
	entry, _ := m.catalog.Get(r.modelID)
	typeLabel := string(entry.Type())
	started := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.activeCancel = cancel
	m.mu.Unlock()
	defer cancel()

	log.L.Infof("starting download of %s", r.modelID)
	data.DownloadsStarted.WithLabelValues(typeLabel).Inc()
	m.store.UpdateModelDownloadStatus(r.modelID, fmdm.DownloadStateDownloading, 0, "")
	m.emit(DownloadEvent{Type: EventDownloadStart, ModelName: r.modelID})

	var err error
	b, err := m.resolver.Resolve(r.modelID)
	if err == nil {
		sim := newProgressSimulator(m.progressInterval, func(p int) {
			m.store.UpdateModelDownloadStatus(r.modelID, fmdm.DownloadStateDownloading, p, "")
			m.emit(DownloadEvent{Type: EventDownloadProgress, ModelName: r.modelID, Progress: p})
		})
		sim.Start()
		err = b.Pull(ctx, r.modelID)
		sim.Stop()
	}

	m.mu.Lock()
	canceled := r.canceled
	if m.active == r {
		m.active = nil
		m.activeCancel = nil
	}
	m.mu.Unlock()

	if canceled {
		// CancelAll already failed the model in FMDM and woke waiters.
		log.L.Infof("discarding backend result for canceled download of %s", r.modelID)
		return
	}

	stateCtx := context.Background()
	if err != nil {
		log.L.WithError(err).Errorf("download of %s failed", r.modelID)
		data.DownloadsFailed.WithLabelValues(typeLabel).Inc()
		if stateErr := m.state.MarkFailed(stateCtx, r.modelID, err.Error()); stateErr != nil {
			log.L.WithError(stateErr).Warnf("persist failure state for %s", r.modelID)
		}
		m.store.UpdateModelDownloadStatus(r.modelID, fmdm.DownloadStateFailed, 0, err.Error())
		m.emit(DownloadEvent{Type: EventDownloadError, ModelName: r.modelID, Error: err.Error()})
	} else {
		log.L.Infof("download of %s completed in %s", r.modelID, time.Since(started).Round(time.Millisecond))
		data.DownloadsCompleted.WithLabelValues(typeLabel).Inc()
		data.DownloadDurationHists.WithLabelValues(typeLabel).Observe(time.Since(started).Seconds())
		if stateErr := m.state.MarkInstalled(stateCtx, r.modelID); stateErr != nil {
			log.L.WithError(stateErr).Warnf("persist installed state for %s", r.modelID)
		}
		m.store.UpdateModelDownloadStatus(r.modelID, fmdm.DownloadStateCompleted, 100, "")
		m.emit(DownloadEvent{Type: EventDownloadComplete, ModelName: r.modelID})
	}

	m.mu.Lock()
	r.err = err
	close(r.done)
	m.mu.Unlock()
}

func (m *Manager) emit(event DownloadEvent) {
	if m.notify != nil {
		m.notify(event)
	}
}
