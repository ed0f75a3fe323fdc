/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package fmdm

import (
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/mohae/deepcopy"
)

// Subscriber receives every published snapshot, synchronously and in
// registration order. OnSnapshot runs under the store's lock: it must
// return quickly and must not call back into the store.
type Subscriber interface {
	OnSnapshot(snapshot *Snapshot)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(snapshot *Snapshot)

func (f SubscriberFunc) OnSnapshot(snapshot *Snapshot) {
	f(snapshot)
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// Subscription is the unsubscribe handle returned by Subscribe.
type Subscription struct {
	store *Store
	id    uint64
}

func (s *Subscription) Unsubscribe() {
	s.store.unsubscribe(s.id)
}

// Store owns the authoritative snapshot. All mutations are serialized,
// produce a complete new snapshot and notify subscribers before the next
// mutation can start, so no subscriber ever observes partial state.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
	subs    []subscription
	nextID  uint64
}

func NewStore(daemonVersion string) *Store {
	return &Store{
		current: &Snapshot{
			DaemonVersion: daemonVersion,
			Folders:       []FolderEntry{},
			CuratedModels: []CuratedModelInfo{},
			Clients:       []ClientInfo{},
			Version:       1,
		},
	}
}

// GetSnapshot returns the latest published snapshot. Callers must treat
// it as read-only.
func (s *Store) GetSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Subscribe(sub Subscriber) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs = append(s.subs, subscription{id: s.nextID, sub: sub})
	return &Subscription{store: s, id: s.nextID}
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// UpdateFolders replaces the folder list wholesale. Used at boot to
// project the persisted configuration and by folder.add/folder.remove.
func (s *Store) UpdateFolders(folders []FolderEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	next.Folders = make([]FolderEntry, len(folders))
	copy(next.Folders, folders)
	for i := range next.Folders {
		next.Folders[i].Progress = clonedProgress(folders[i].Progress)
	}
	s.publish(next)
}

// UpdateFolderStatus moves one folder to a new lifecycle status. Unknown
// paths are ignored: a status update never creates a folder.
func (s *Store) UpdateFolderStatus(path string, status FolderStatus, progress *int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.current.Folders {
		if s.current.Folders[i].Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.L.Debugf("status update for unknown folder %s ignored", path)
		return
	}

	next := s.clone()
	entry := &next.Folders[idx]
	entry.Status = status
	entry.Progress = clonedProgress(progress)
	entry.LastError = errMsg
	s.publish(next)
}

// UpdateModelDownloadStatus reconciles a model's download state and every
// folder bound to that model. Folders waiting in downloading-model mirror
// the model's progress; completion releases them to pending for the
// lifecycle manager to advance; failure moves them to error with the
// download error message.
func (s *Store) UpdateModelDownloadStatus(modelID string, state DownloadState, progress int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.current.CuratedModels {
		if s.current.CuratedModels[i].ID == modelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.L.Warnf("download status update for unknown model %s ignored", modelID)
		return
	}

	next := s.clone()
	model := &next.CuratedModels[idx]
	switch state {
	case DownloadStateDownloading:
		if progress < 0 {
			progress = 0
		}
		if progress > 99 {
			progress = 99
		}
		model.Installed = false
		model.Downloading = true
		model.DownloadProgress = progress
		model.DownloadError = ""
	case DownloadStateCompleted:
		model.Installed = true
		model.Downloading = false
		model.DownloadProgress = 100
		model.DownloadError = ""
		model.LastChecked = time.Now()
	case DownloadStateFailed:
		model.Installed = false
		model.Downloading = false
		model.DownloadProgress = 0
		model.DownloadError = errMsg
		model.LastChecked = time.Now()
	}

	for i := range next.Folders {
		entry := &next.Folders[i]
		if entry.Model != modelID || entry.Status != FolderStatusDownloading {
			continue
		}
		switch state {
		case DownloadStateDownloading:
			p := progress
			entry.Progress = &p
		case DownloadStateCompleted:
			entry.Status = FolderStatusPending
			entry.Progress = nil
			entry.LastError = ""
		case DownloadStateFailed:
			entry.Status = FolderStatusError
			entry.Progress = nil
			entry.LastError = errMsg
		}
	}
	s.publish(next)
}

// SetCuratedModels replaces the curated model list and the per-backend
// check status. Called once at boot and after installed-state probes.
func (s *Store) SetCuratedModels(models []CuratedModelInfo, checkStatus map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	next.CuratedModels = make([]CuratedModelInfo, len(models))
	copy(next.CuratedModels, models)
	if checkStatus == nil {
		next.ModelCheckStatus = nil
	} else {
		next.ModelCheckStatus = deepcopy.Copy(checkStatus).(map[string]string)
	}
	s.publish(next)
}

// UpdateClients replaces the connected client list.
func (s *Store) UpdateClients(clients []ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	next.Clients = make([]ClientInfo, len(clients))
	copy(next.Clients, clients)
	s.publish(next)
}

// clone is called with the write lock held.
func (s *Store) clone() *Snapshot {
	cur := s.current
	next := &Snapshot{
		DaemonVersion: cur.DaemonVersion,
		Folders:       make([]FolderEntry, len(cur.Folders)),
		CuratedModels: make([]CuratedModelInfo, len(cur.CuratedModels)),
		Clients:       make([]ClientInfo, len(cur.Clients)),
		Version:       cur.Version,
	}
	copy(next.Folders, cur.Folders)
	for i := range next.Folders {
		next.Folders[i].Progress = clonedProgress(cur.Folders[i].Progress)
	}
	copy(next.CuratedModels, cur.CuratedModels)
	copy(next.Clients, cur.Clients)
	if cur.ModelCheckStatus != nil {
		next.ModelCheckStatus = deepcopy.Copy(cur.ModelCheckStatus).(map[string]string)
	}
	return next
}

// publish is called with the write lock held, which serializes publishes
// and keeps delivery order identical to mutation order.
func (s *Store) publish(next *Snapshot) {
	next.Version = s.current.Version + 1
	s.current = next
	for _, entry := range s.subs {
		entry.sub.OnSnapshot(next)
	}
}

func clonedProgress(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
