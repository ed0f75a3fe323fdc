/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/store"
)

// State persists per-model installation records across daemon restarts.
// The backend caches on disk stay the source of truth: records here carry
// lastChecked and the last download error, and give the boot probe a hint
// before the backends have answered.
type State struct {
	db *store.Database
}

func NewState(db *store.Database) *State {
	return &State{db: db}
}

func (s *State) upsert(ctx context.Context, record *store.ModelState) error {
	err := s.db.UpdateModel(ctx, record)
	if errdefs.IsNotFound(err) {
		err = s.db.SaveModel(ctx, record)
	}
	return err
}

func (s *State) MarkInstalled(ctx context.Context, modelID string) error {
	now := time.Now()
	record := &store.ModelState{
		ModelID:     modelID,
		Installed:   true,
		LastChecked: now,
		InstalledAt: now,
	}
	return errors.Wrapf(s.upsert(ctx, record), "persist installed state for %s", modelID)
}

func (s *State) MarkFailed(ctx context.Context, modelID, message string) error {
	record := &store.ModelState{
		ModelID:       modelID,
		Installed:     false,
		DownloadError: message,
		LastChecked:   time.Now(),
	}
	return errors.Wrapf(s.upsert(ctx, record), "persist download error for %s", modelID)
}

func (s *State) MarkChecked(ctx context.Context, modelID string, installed bool) error {
	record := &store.ModelState{
		ModelID:     modelID,
		Installed:   installed,
		LastChecked: time.Now(),
	}
	if installed {
		if prev, err := s.db.GetModel(ctx, modelID); err == nil && !prev.InstalledAt.IsZero() {
			record.InstalledAt = prev.InstalledAt
		} else {
			record.InstalledAt = record.LastChecked
		}
	}
	return errors.Wrapf(s.upsert(ctx, record), "persist check state for %s", modelID)
}

// Recover loads every persisted record, keyed by model id.
func (s *State) Recover(ctx context.Context) (map[string]store.ModelState, error) {
	out := make(map[string]store.ModelState)
	err := s.db.WalkModels(ctx, func(record *store.ModelState) error {
		out[record.ModelID] = *record
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "recover model states")
	}
	return out, nil
}
