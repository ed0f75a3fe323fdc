/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package daemon

import (
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
	"github.com/folderindex/folderd/pkg/protocol"
)

// The daemon is the protocol's request surface. Folder mutations touch
// the config store, the FMDM and the lifecycle manager together; every
// session dispatches on its own goroutine, so foldersMu holds across the
// whole validate-then-commit sequence. Otherwise two racing adds would
// each validate against a folder set missing the other's path.

func (d *Daemon) ValidateFolder(path string) lifecycle.ValidationResult {
	return d.lifecycle.Validate(path)
}

func (d *Daemon) AddFolder(path, model string) error {
	if model == "" {
		model = d.defaultModel()
	}
	if !d.catalog.Knows(model) {
		return errors.Wrapf(errdefs.ErrNotFound, "model %s is not curated", model)
	}

	d.foldersMu.Lock()
	defer d.foldersMu.Unlock()

	result := d.lifecycle.Validate(path)
	if !result.Valid {
		// Clients key their handling off the stable issue tokens; the
		// human-readable detail goes to the log.
		types := make([]string, 0, len(result.Errors))
		messages := make([]string, 0, len(result.Errors))
		for _, issue := range result.Errors {
			types = append(types, issue.Type)
			messages = append(messages, issue.Message)
		}
		log.L.Infof("rejecting folder %s: %s", path, strings.Join(messages, "; "))
		return errors.New(strings.Join(types, "; "))
	}
	canonical := result.Path

	if err := d.cfgStore.AddFolder(canonical, model); err != nil {
		return err
	}

	entry := fmdm.FolderEntry{Path: canonical, Model: model, Status: fmdm.FolderStatusPending}
	snapshot := d.fmdmStore.GetSnapshot()
	folders := make([]fmdm.FolderEntry, 0, len(snapshot.Folders)+1)
	folders = append(folders, snapshot.Folders...)
	folders = append(folders, entry)
	d.fmdmStore.UpdateFolders(folders)

	d.lifecycle.StartFolder(entry)
	d.watchFolder(canonical)

	log.L.Infof("folder %s added with model %s", canonical, model)
	d.emitEvent(EventConfigReloaded, "folder added", canonical)
	return nil
}

func (d *Daemon) RemoveFolder(path string) error {
	canonical, err := lifecycle.Canonicalize(path)
	if err != nil {
		return errors.Wrapf(err, "canonicalize %s", path)
	}

	d.foldersMu.Lock()
	defer d.foldersMu.Unlock()

	if err := d.cfgStore.RemoveFolder(canonical); err != nil {
		return err
	}

	// Folder-scoped work stops; a model download shared with other
	// folders keeps going.
	d.lifecycle.StopFolder(canonical)
	if d.watcher != nil {
		d.watcher.Unwatch(canonical)
	}

	snapshot := d.fmdmStore.GetSnapshot()
	folders := make([]fmdm.FolderEntry, 0, len(snapshot.Folders))
	for _, entry := range snapshot.Folders {
		if entry.Path == canonical {
			continue
		}
		folders = append(folders, entry)
	}
	d.fmdmStore.UpdateFolders(folders)

	log.L.Infof("folder %s removed", canonical)
	d.emitEvent(EventConfigReloaded, "folder removed", canonical)
	return nil
}

func (d *Daemon) ListModels() protocol.ModelsList {
	snapshot := d.fmdmStore.GetSnapshot()
	state := make(map[string]fmdm.CuratedModelInfo, len(snapshot.CuratedModels))
	for _, info := range snapshot.CuratedModels {
		state[info.ID] = info
	}

	list := protocol.ModelsList{
		Models:  make([]protocol.ModelStatus, 0, len(d.catalog.Entries())),
		Backend: snapshot.ModelCheckStatus,
		Cached:  true,
	}
	if list.Backend == nil {
		list.Backend = map[string]string{}
	}
	for _, entry := range d.catalog.Entries() {
		status := protocol.ModelStatus{
			ID:          entry.ID,
			DisplayName: entry.DisplayName,
			Dimensions:  entry.Dimensions,
			Languages:   entry.Languages,
		}
		if info, ok := state[entry.ID]; ok {
			status.Installed = info.Installed
			status.Downloading = info.Downloading
			status.DownloadProgress = info.DownloadProgress
		}
		list.Models = append(list.Models, status)
	}
	return list
}

// Rescan serves both the watcher and the status API. A successful
// trigger is announced to clients as an activity event.
func (d *Daemon) Rescan(path string) bool {
	if !d.lifecycle.Rescan(path) {
		return false
	}
	if d.wsServer != nil {
		d.wsServer.BroadcastMessage(protocol.NewActivityEvent("rescan", path))
	}
	return true
}
