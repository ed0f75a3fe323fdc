/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package lifecycle drives each indexed folder through its state machine:
// pending, downloading-model while the model is fetched, indexing, then
// active; error is terminal until the client removes and re-adds the
// folder.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/metrics/data"
)

// ModelEnsurer is the slice of the download manager the lifecycle needs:
// block until a model is present or the wait is hopeless.
type ModelEnsurer interface {
	EnsureModelAvailable(ctx context.Context, modelID, folderPath string, timeout time.Duration) bool
}

// runner is one folder's in-flight lifecycle goroutine.
type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the per-folder state machines. One goroutine per folder at
// most; transitions route exclusively through the FMDM store.
type Manager struct {
	store         *fmdm.Store
	downloads     ModelEnsurer
	indexer       Indexer
	ensureTimeout time.Duration

	mu      sync.Mutex
	runners map[string]*runner
}

type Opt struct {
	Store         *fmdm.Store
	Downloads     ModelEnsurer
	Indexer       Indexer
	EnsureTimeout time.Duration
}

func NewManager(opt Opt) *Manager {
	indexer := opt.Indexer
	if indexer == nil {
		indexer = NewFSIndexer()
	}
	return &Manager{
		store:         opt.Store,
		downloads:     opt.Downloads,
		indexer:       indexer,
		ensureTimeout: opt.EnsureTimeout,
		runners:       make(map[string]*runner),
	}
}

// Validate runs the admission rules for a path against the folders
// currently in the FMDM.
func (m *Manager) Validate(path string) ValidationResult {
	snapshot := m.store.GetSnapshot()
	existing := make([]string, 0, len(snapshot.Folders))
	for _, f := range snapshot.Folders {
		existing = append(existing, f.Path)
	}
	return ValidatePath(path, existing)
}

// StartFolder launches the lifecycle for one folder. Idempotent per path:
// a folder whose lifecycle is already running is left alone.
func (m *Manager) StartFolder(entry fmdm.FolderEntry) {
	m.mu.Lock()
	if _, running := m.runners[entry.Path]; running {
		m.mu.Unlock()
		log.L.Debugf("lifecycle for %s already running", entry.Path)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	m.runners[entry.Path] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		defer m.release(entry.Path, r)
		m.runFolder(ctx, entry)
	}()
}

// StopFolder cancels folder-scoped work. A shared model download is not
// cancelled on behalf of one folder; the folder merely stops waiting.
func (m *Manager) StopFolder(path string) {
	m.mu.Lock()
	r, ok := m.runners[path]
	if ok {
		delete(m.runners, path)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// Rescan sends an active folder back to indexing. Folders mid-lifecycle
// are left alone.
func (m *Manager) Rescan(path string) bool {
	snapshot := m.store.GetSnapshot()
	for _, f := range snapshot.Folders {
		if f.Path != path {
			continue
		}
		if f.Status != fmdm.FolderStatusActive {
			log.L.Debugf("rescan of %s skipped: status is %s", path, f.Status)
			return false
		}
		log.L.Infof("rescanning folder %s", path)
		m.StartFolder(f)
		return true
	}
	return false
}

// StopAll cancels every running lifecycle. Used at daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := make(map[string]*runner, len(m.runners))
	for path, r := range m.runners {
		runners[path] = r
	}
	m.runners = make(map[string]*runner)
	m.mu.Unlock()

	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		<-r.done
	}
}

func (m *Manager) release(path string, r *runner) {
	m.mu.Lock()
	if m.runners[path] == r {
		delete(m.runners, path)
	}
	m.mu.Unlock()
}

// runFolder is the state machine body. Every transition goes through the
// FMDM store so clients observe each step.
func (m *Manager) runFolder(ctx context.Context, entry fmdm.FolderEntry) {
	path, modelID := entry.Path, entry.Model

	if !m.modelInstalled(modelID) {
		log.L.Infof("folder %s waits for model %s", path, modelID)
		m.setStatus(path, fmdm.FolderStatusDownloading, nil, "")

		if ok := m.downloads.EnsureModelAvailable(ctx, modelID, path, m.ensureTimeout); !ok {
			if ctx.Err() != nil {
				// Folder removed while waiting; the download continues for
				// any other folder that needs the model.
				return
			}
			// A backend failure already moved the folder to error through
			// UpdateModelDownloadStatus; cover the timeout path.
			if m.currentStatus(path) == fmdm.FolderStatusDownloading {
				m.setStatus(path, fmdm.FolderStatusError, nil, "model "+modelID+" did not become available")
			}
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	log.L.Infof("indexing folder %s", path)
	zero := 0
	m.setStatus(path, fmdm.FolderStatusIndexing, &zero, "")

	err := m.indexer.Index(ctx, path, func(percent int) {
		p := percent
		m.setStatus(path, fmdm.FolderStatusIndexing, &p, "")
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.L.WithError(err).Errorf("indexing folder %s failed", path)
		m.setStatus(path, fmdm.FolderStatusError, nil, err.Error())
		return
	}

	log.L.Infof("folder %s is active", path)
	m.setStatus(path, fmdm.FolderStatusActive, nil, "")
}

func (m *Manager) setStatus(path string, status fmdm.FolderStatus, progress *int, errMsg string) {
	m.store.UpdateFolderStatus(path, status, progress, errMsg)
	updateFolderGauges(m.store.GetSnapshot())
}

func (m *Manager) currentStatus(path string) fmdm.FolderStatus {
	for _, f := range m.store.GetSnapshot().Folders {
		if f.Path == path {
			return f.Status
		}
	}
	return ""
}

func (m *Manager) modelInstalled(modelID string) bool {
	for _, model := range m.store.GetSnapshot().CuratedModels {
		if model.ID == modelID {
			return model.Installed
		}
	}
	return false
}

// updateFolderGauges refreshes the by-status folder metric from a
// snapshot.
func updateFolderGauges(snapshot *fmdm.Snapshot) {
	counts := map[fmdm.FolderStatus]int{}
	for _, f := range snapshot.Folders {
		counts[f.Status]++
	}
	for _, status := range []fmdm.FolderStatus{
		fmdm.FolderStatusPending,
		fmdm.FolderStatusDownloading,
		fmdm.FolderStatusIndexing,
		fmdm.FolderStatusActive,
		fmdm.FolderStatusError,
	} {
		data.FoldersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
