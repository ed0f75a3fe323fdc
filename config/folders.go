/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
)

// Store is the configuration surface the daemon core consumes. The core
// reads the folder list once at boot and writes back on every add/remove;
// it never learns where or how the list is persisted.
type Store interface {
	Folders() []FolderSpec
	AddFolder(path, model string) error
	RemoveFolder(path string) error
	DefaultModel() string
}

// FileStore persists the folder list inside the daemon's toml
// configuration file. It is the sole writer of that file at runtime.
type FileStore struct {
	mu   sync.Mutex
	path string

	folders      []FolderSpec
	defaultModel string
}

// NewFileStore wraps an already loaded configuration. The path names the
// file that add/remove rewrite; it may not exist yet.
func NewFileStore(cfg *DaemonConfig, path string) *FileStore {
	folders := make([]FolderSpec, len(cfg.FoldersConfig.List))
	copy(folders, cfg.FoldersConfig.List)
	return &FileStore{
		path:         path,
		folders:      folders,
		defaultModel: cfg.FoldersConfig.DefaultModel,
	}
}

func (s *FileStore) Folders() []FolderSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	folders := make([]FolderSpec, len(s.folders))
	copy(folders, s.folders)
	return folders
}

func (s *FileStore) DefaultModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultModel
}

func (s *FileStore) AddFolder(path, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.folders {
		if f.Path == path {
			return errors.Wrapf(errdefs.ErrAlreadyExists, "folder %s", path)
		}
	}
	folders := append(s.folders, FolderSpec{Path: path, Model: model})
	if err := s.save(folders); err != nil {
		return err
	}
	s.folders = folders
	return nil
}

func (s *FileStore) RemoveFolder(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	folders := make([]FolderSpec, 0, len(s.folders))
	found := false
	for _, f := range s.folders {
		if f.Path == path {
			found = true
			continue
		}
		folders = append(folders, f)
	}
	if !found {
		return errors.Wrapf(errdefs.ErrNotFound, "folder %s", path)
	}
	if err := s.save(folders); err != nil {
		return err
	}
	s.folders = folders
	return nil
}

// save rewrites only the folders section of the configuration file. The
// file is re-read first so values the user keeps there (ports, logging,
// backends) survive untouched, then replaced atomically.
func (s *FileStore) save(folders []FolderSpec) error {
	onDisk := &DaemonConfig{}
	if _, err := os.Stat(s.path); err == nil {
		loaded, err := LoadDaemonConfig(s.path)
		if err != nil {
			return errors.Wrap(err, "reload configuration before persisting folders")
		}
		onDisk = loaded
	}

	onDisk.FoldersConfig.List = folders
	if onDisk.FoldersConfig.DefaultModel == "" {
		onDisk.FoldersConfig.DefaultModel = s.defaultModel
	}

	data, err := toml.Marshal(onDisk)
	if err != nil {
		return errors.Wrap(err, "marshal configuration")
	}
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return errors.Wrapf(err, "persist configuration file %q", s.path)
	}
	return nil
}
