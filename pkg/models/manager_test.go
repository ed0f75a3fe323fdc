/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderindex/folderd/pkg/backend"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/store"
)

// fakeBackend counts pulls and can be told to block or fail.
type fakeBackend struct {
	typ fmdm.ModelType

	mu        sync.Mutex
	pulls     map[string]int
	installed map[string]bool
	pullErr   error
	// block, when non-nil, holds every Pull until closed.
	block chan struct{}
}

func newFakeBackend(typ fmdm.ModelType) *fakeBackend {
	return &fakeBackend{
		typ:       typ,
		pulls:     map[string]int{},
		installed: map[string]bool{},
	}
}

func (f *fakeBackend) Type() fmdm.ModelType { return f.typ }

func (f *fakeBackend) Pull(ctx context.Context, modelID string) error {
	f.mu.Lock()
	f.pulls[modelID]++
	block := f.block
	err := f.pullErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.installed[modelID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Installed(_ context.Context, modelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[modelID], nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) pullCount(modelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[modelID]
}

type managerFixture struct {
	manager *Manager
	store   *fmdm.Store
	cpu     *fakeBackend
	events  *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []DownloadEvent
}

func (r *eventRecorder) sink(e DownloadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []DownloadEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DownloadEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newManagerFixture(t *testing.T) *managerFixture {
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	db, err := store.NewDatabase(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fmdmStore := fmdm.NewStore("test")
	models := make([]fmdm.CuratedModelInfo, 0)
	for _, e := range catalog.Entries() {
		models = append(models, fmdm.CuratedModelInfo{ID: e.ID, Type: e.Type()})
	}
	fmdmStore.SetCuratedModels(models, nil)

	cpu := newFakeBackend(fmdm.ModelTypeCPU)
	gpu := newFakeBackend(fmdm.ModelTypeGPU)
	rec := &eventRecorder{}

	m := NewManager(ManagerOpt{
		Catalog:          catalog,
		Store:            fmdmStore,
		Resolver:         backend.NewResolver(cpu, gpu),
		State:            NewState(db),
		ProgressInterval: 5 * time.Millisecond,
		Notify:           rec.sink,
	})
	t.Cleanup(m.Close)

	return &managerFixture{manager: m, store: fmdmStore, cpu: cpu, events: rec}
}

func waitForModel(t *testing.T, s *fmdm.Store, modelID string, cond func(fmdm.CuratedModelInfo) bool) fmdm.CuratedModelInfo {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range s.GetSnapshot().CuratedModels {
			if m.ID == modelID && cond(m) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("model %s never reached the expected state", modelID)
	return fmdm.CuratedModelInfo{}
}

func TestDownloadFloodIsSingleFlight(t *testing.T) {
	A := assert.New(t)
	fx := newManagerFixture(t)
	modelID := "cpu:xenova-multilingual-e5-small"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			A.NoError(fx.manager.RequestDownload(modelID, []string{"/data/a"}, PriorityNormal))
		}()
	}
	wg.Wait()

	waitForModel(t, fx.store, modelID, func(m fmdm.CuratedModelInfo) bool { return m.Installed })
	A.Equal(1, fx.cpu.pullCount(modelID), "50 concurrent requests, one pull")

	m := waitForModel(t, fx.store, modelID, func(m fmdm.CuratedModelInfo) bool { return m.Installed })
	A.False(m.Downloading)
	A.Equal(100, m.DownloadProgress)

	// Re-requesting an installed model is a no-op.
	A.NoError(fx.manager.RequestDownload(modelID, []string{"/data/b"}, PriorityHigh))
	time.Sleep(20 * time.Millisecond)
	A.Equal(1, fx.cpu.pullCount(modelID))
}

func TestQueuedRequestsMergeFoldersAndPriority(t *testing.T) {
	A := assert.New(t)
	fx := newManagerFixture(t)

	// Hold the first download so the second stays queued.
	gate := make(chan struct{})
	fx.cpu.mu.Lock()
	fx.cpu.block = gate
	fx.cpu.mu.Unlock()

	first := "cpu:xenova-multilingual-e5-small"
	queuedModel := "cpu:xenova-all-minilm-l6"
	require.NoError(t, fx.manager.RequestDownload(first, []string{"/a"}, PriorityNormal))

	waitForModel(t, fx.store, first, func(m fmdm.CuratedModelInfo) bool { return m.Downloading })

	require.NoError(t, fx.manager.RequestDownload(queuedModel, []string{"/b"}, PriorityLow))
	require.NoError(t, fx.manager.RequestDownload(queuedModel, []string{"/c"}, PriorityHigh))

	fx.manager.mu.Lock()
	r := fx.manager.queued[queuedModel]
	require.NotNil(t, r)
	A.Equal(PriorityHigh, r.priority, "priority upgraded")
	A.Len(r.folders, 2, "folder sets are unioned")
	fx.manager.mu.Unlock()

	A.True(fx.manager.IsModelAvailable(first), "active counts as available")
	A.True(fx.manager.IsModelAvailable(queuedModel), "queued counts as available")

	close(gate)
	waitForModel(t, fx.store, queuedModel, func(m fmdm.CuratedModelInfo) bool { return m.Installed })
	A.Equal(1, fx.cpu.pullCount(first))
	A.Equal(1, fx.cpu.pullCount(queuedModel))
}

func TestDownloadFailurePropagatesToFolders(t *testing.T) {
	A := assert.New(t)
	fx := newManagerFixture(t)
	modelID := "cpu:xenova-multilingual-e5-small"

	fx.store.UpdateFolders([]fmdm.FolderEntry{
		{Path: "/a", Model: modelID, Status: fmdm.FolderStatusDownloading},
		{Path: "/b", Model: modelID, Status: fmdm.FolderStatusDownloading},
		{Path: "/c", Model: "ollama:nomic-embed-text", Status: fmdm.FolderStatusPending},
	})

	fx.cpu.mu.Lock()
	fx.cpu.pullErr = errors.New("disk full")
	fx.cpu.mu.Unlock()

	require.NoError(t, fx.manager.RequestDownload(modelID, []string{"/a", "/b"}, PriorityHigh))

	m := waitForModel(t, fx.store, modelID, func(m fmdm.CuratedModelInfo) bool { return m.DownloadError != "" })
	A.False(m.Installed)
	A.False(m.Downloading)
	A.Contains(m.DownloadError, "disk full")

	snap := fx.store.GetSnapshot()
	for _, f := range snap.Folders {
		switch f.Path {
		case "/a", "/b":
			A.Equal(fmdm.FolderStatusError, f.Status)
			A.Contains(f.LastError, "disk full")
		case "/c":
			A.Equal(fmdm.FolderStatusPending, f.Status, "unrelated folder untouched")
		}
	}
}

func TestEnsureModelAvailable(t *testing.T) {
	A := assert.New(t)
	fx := newManagerFixture(t)
	modelID := "cpu:xenova-multilingual-e5-small"

	ok := fx.manager.EnsureModelAvailable(context.Background(), modelID, "/a", 5*time.Second)
	A.True(ok)
	A.Equal(1, fx.cpu.pullCount(modelID))

	// Already installed: immediate success, no second pull.
	ok = fx.manager.EnsureModelAvailable(context.Background(), modelID, "/a", time.Second)
	A.True(ok)
	A.Equal(1, fx.cpu.pullCount(modelID))
}

func TestEnsureModelAvailableTimeout(t *testing.T) {
	fx := newManagerFixture(t)
	modelID := "cpu:xenova-multilingual-e5-small"

	gate := make(chan struct{})
	defer close(gate)
	fx.cpu.mu.Lock()
	fx.cpu.block = gate
	fx.cpu.mu.Unlock()

	ok := fx.manager.EnsureModelAvailable(context.Background(), modelID, "/a", 50*time.Millisecond)
	assert.False(t, ok)
}

func TestCancelAllFailsActiveWithoutAwaitingBackend(t *testing.T) {
	A := assert.New(t)
	fx := newManagerFixture(t)
	modelID := "cpu:xenova-multilingual-e5-small"

	gate := make(chan struct{})
	fx.cpu.mu.Lock()
	fx.cpu.block = gate
	fx.cpu.mu.Unlock()

	require.NoError(t, fx.manager.RequestDownload(modelID, []string{"/a"}, PriorityNormal))
	waitForModel(t, fx.store, modelID, func(m fmdm.CuratedModelInfo) bool { return m.Downloading })

	fx.manager.CancelAll()

	m := waitForModel(t, fx.store, modelID, func(m fmdm.CuratedModelInfo) bool { return !m.Downloading })
	A.False(m.Installed)
	A.NotEmpty(m.DownloadError)
	A.True(fx.manager.Idle())
	close(gate)
}

func TestDownloadEventsSequence(t *testing.T) {
	A := assert.New(t)
	fx := newManagerFixture(t)
	modelID := "cpu:xenova-multilingual-e5-small"

	require.NoError(t, fx.manager.RequestDownload(modelID, []string{"/a"}, PriorityNormal))
	waitForModel(t, fx.store, modelID, func(m fmdm.CuratedModelInfo) bool { return m.Installed })

	types := fx.events.types()
	require.NotEmpty(t, types)
	A.Equal(EventDownloadStart, types[0])
	A.Equal(EventDownloadComplete, types[len(types)-1])
}

func TestSimulatorProgressIsMonotoneAndBounded(t *testing.T) {
	A := assert.New(t)

	last := 0
	for tick := 1; tick <= simulatorSpan+10; tick++ {
		p := easedProgress(tick)
		A.GreaterOrEqual(p, simulatorFloor)
		A.LessOrEqual(p, simulatorCap)
		A.GreaterOrEqual(p, last, "progress must never move backwards")
		last = p
	}
	A.Equal(simulatorCap, easedProgress(simulatorSpan))
}
